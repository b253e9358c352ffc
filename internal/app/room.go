package app

import (
	"slices"
	"sync"

	"github.com/dkeye/meshroom/internal/domain"
)

type roomMember struct {
	info domain.Participant
	seq  uint64
}

// room is the per-room state owned by Registry. mu serializes every mutation
// of membership and board; the registry lock only guards the room map.
type room struct {
	key domain.RoomKey

	mu      sync.Mutex
	members map[domain.ParticipantID]*roomMember
	nextSeq uint64
	board   []domain.DrawEvent
	slide   string
}

func newRoom(key domain.RoomKey) *room {
	return &room{
		key:     key,
		members: make(map[domain.ParticipantID]*roomMember),
	}
}

// upsert adds p or replaces its state, keeping the original join order.
func (r *room) upsert(p domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[p.ID]; ok {
		m.info = p
		return
	}
	r.nextSeq++
	r.members[p.ID] = &roomMember{info: p, seq: r.nextSeq}
}

func (r *room) remove(id domain.ParticipantID) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, id)
	return len(r.members) == 0
}

func (r *room) has(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[id]
	return ok
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *room) setStatus(id domain.ParticipantID, s domain.MediaStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return false
	}
	m.info.Status = s
	return true
}

func (r *room) get(id domain.ParticipantID) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return domain.Participant{}, false
	}
	return m.info, true
}

// snapshot returns members in join order, skipping except.
func (r *room) snapshot(except domain.ParticipantID) []domain.Participant {
	r.mu.Lock()
	ms := make([]*roomMember, 0, len(r.members))
	for id, m := range r.members {
		if id == except {
			continue
		}
		ms = append(ms, m)
	}
	r.mu.Unlock()

	slices.SortFunc(ms, func(a, b *roomMember) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]domain.Participant, len(ms))
	for i, m := range ms {
		out[i] = m.info
	}
	return out
}

func (r *room) appendDraw(ev domain.DrawEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.board = append(r.board, ev)
}

func (r *room) clearBoard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.board = nil
}

func (r *room) setSlide(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slide = ref
}

// history returns a copy of the board log and the current slide.
func (r *room) history() ([]domain.DrawEvent, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.board), r.slide
}
