package app

import (
	"errors"
	"slices"
	"sync"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrRoomNotFound = errors.New("room not found")
)

// RoomInfo is a read-only view for the operational API.
type RoomInfo struct {
	Key         domain.RoomKey `json:"key"`
	MemberCount int            `json:"member_count"`
}

// Registry owns room membership and per-room whiteboard state. One instance
// per relay process. Membership changes take the write lock; board updates
// and routing reads only take the read lock plus the room's own lock.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[domain.RoomKey]*room
	index       map[domain.ParticipantID]domain.RoomKey
	maxRoomSize int
}

// NewRegistry creates an empty registry. maxRoomSize <= 0 means unlimited.
func NewRegistry(maxRoomSize int) *Registry {
	return &Registry{
		rooms:       make(map[domain.RoomKey]*room),
		index:       make(map[domain.ParticipantID]domain.RoomKey),
		maxRoomSize: maxRoomSize,
	}
}

// Join adds id to the room and returns the other members in join order.
// Joining again with the same id replaces the stored name and status. A
// participant still listed in another room is moved out of it first.
func (r *Registry) Join(key domain.RoomKey, id domain.ParticipantID, name string, status domain.MediaStatus) ([]domain.Participant, error) {
	if id == "" {
		return nil, domain.ErrParticipantIDEmpty
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.index[id]; ok && prev != key {
		r.removeLocked(prev, id)
	}

	rm, ok := r.rooms[key]
	if ok && r.maxRoomSize > 0 && !rm.has(id) && rm.size() >= r.maxRoomSize {
		return nil, ErrRoomFull
	}
	if !ok {
		rm = newRoom(key)
		r.rooms[key] = rm
		log.Info().Str("module", "app.registry").Str("room", string(key)).Msg("room created")
	}

	rm.upsert(domain.Participant{ID: id, DisplayName: name, Status: status})
	r.index[id] = key
	log.Info().Str("module", "app.registry").Str("room", string(key)).Str("pid", string(id)).Msg("joined")
	return rm.snapshot(id), nil
}

// Leave removes id from its room and reports the vacated room.
func (r *Registry) Leave(id domain.ParticipantID) (domain.RoomKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.index[id]
	if !ok {
		return "", false
	}
	r.removeLocked(key, id)
	return key, true
}

func (r *Registry) removeLocked(key domain.RoomKey, id domain.ParticipantID) {
	delete(r.index, id)
	rm, ok := r.rooms[key]
	if !ok {
		return
	}
	log.Info().Str("module", "app.registry").Str("room", string(key)).Str("pid", string(id)).Msg("left")
	if rm.remove(id) {
		delete(r.rooms, key)
		log.Info().Str("module", "app.registry").Str("room", string(key)).Msg("room released")
	}
}

// UpdateStatus records a participant's media status. Unknown ids are ignored.
func (r *Registry) UpdateStatus(id domain.ParticipantID, status domain.MediaStatus) (domain.RoomKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.index[id]
	if !ok {
		return "", false
	}
	rm, ok := r.rooms[key]
	if !ok || !rm.setStatus(id, status) {
		return "", false
	}
	return key, true
}

func (r *Registry) RoomOf(id domain.ParticipantID) (domain.RoomKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.index[id]
	return key, ok
}

// Participant returns the stored state of a joined participant.
func (r *Registry) Participant(id domain.ParticipantID) (domain.Participant, domain.RoomKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.index[id]
	if !ok {
		return domain.Participant{}, "", false
	}
	rm, ok := r.rooms[key]
	if !ok {
		return domain.Participant{}, "", false
	}
	p, ok := rm.get(id)
	return p, key, ok
}

// Members lists the room's participants in join order.
func (r *Registry) Members(key domain.RoomKey) []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[key]
	if !ok {
		return nil
	}
	return rm.snapshot("")
}

func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for key, rm := range r.rooms {
		out = append(out, RoomInfo{Key: key, MemberCount: rm.size()})
	}
	slices.SortFunc(out, func(a, b RoomInfo) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) RecordDraw(key domain.RoomKey, ev domain.DrawEvent) error {
	rm, err := r.room(key)
	if err != nil {
		return err
	}
	rm.appendDraw(ev)
	return nil
}

// Clear truncates the room's draw log.
func (r *Registry) Clear(key domain.RoomKey) error {
	rm, err := r.room(key)
	if err != nil {
		return err
	}
	rm.clearBoard()
	return nil
}

func (r *Registry) SetSlide(key domain.RoomKey, imageRef string) error {
	rm, err := r.room(key)
	if err != nil {
		return err
	}
	rm.setSlide(imageRef)
	return nil
}

// History returns the draw log since the last clear and the current slide.
func (r *Registry) History(key domain.RoomKey) ([]domain.DrawEvent, string, error) {
	rm, err := r.room(key)
	if err != nil {
		return nil, "", err
	}
	events, slide := rm.history()
	return events, slide, nil
}

// room looks up a room under the read lock. Board calls run while the caller
// is known to be a member, so the room is alive until that member leaves.
func (r *Registry) room(key domain.RoomKey) (*room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[key]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return rm, nil
}
