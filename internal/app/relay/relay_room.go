package relay

import (
	"errors"

	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/events"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (r *Relay) handleJoin(id domain.ParticipantID, data []byte) {
	var p protocol.Join
	if err := protocol.Decode(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("bad join payload")
		r.sendError(id, protocol.ErrCodeBadPayload)
		return
	}
	key, err := domain.ParseRoomKey(p.RoomKey)
	if err != nil {
		r.sendError(id, protocol.ErrCodeInvalidRoom)
		return
	}
	name, err := domain.NormalizeDisplayName(p.DisplayName)
	if err != nil {
		r.sendError(id, protocol.ErrCodeInvalidName)
		return
	}
	status := domain.DefaultMediaStatus()
	if p.Status != nil {
		status = *p.Status
	}
	if r.Limiter != nil && !r.Limiter.Allow(id) {
		r.sendError(id, protocol.ErrCodeRateLimited)
		return
	}

	prev, wasJoined := r.Registry.RoomOf(id)
	if wasJoined && prev != key {
		r.leave(id)
		wasJoined = false
	}

	var others []domain.Participant
	out := &outbox{r: r}
	unlock := r.rooms.lock(key)
	others, err = r.Registry.Join(key, id, name, status)
	if err == nil {
		out.send(id, protocol.Snapshot{Type: protocol.TypeSnapshot, Participants: others})
		r.sendHistory(out, id, key)
	}
	unlock()
	out.settle()

	if errors.Is(err, app.ErrRoomFull) {
		log.Info().Str("module", "relay").Str("pid", string(id)).Str("room", string(key)).Msg("room full")
		r.sendError(id, protocol.ErrCodeRoomFull)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Str("pid", string(id)).Msg("join")
		r.sendError(id, protocol.ErrCodeBadPayload)
		return
	}
	log.Info().Str("module", "relay").Str("pid", string(id)).Str("room", string(key)).Int("others", len(others)).Msg("join")

	if !wasJoined {
		r.publish(events.Joined, key, domain.Participant{ID: id, DisplayName: name, Status: status})
	}
}

// handleLeave leaves the room but keeps the channel open.
func (r *Relay) handleLeave(id domain.ParticipantID) {
	r.leave(id)
}

func (r *Relay) leave(id domain.ParticipantID) {
	var (
		p    domain.Participant
		room domain.RoomKey
		left bool
	)
	r.inRoom(id, func(key domain.RoomKey, out *outbox) {
		var ok bool
		if p, _, ok = r.Registry.Participant(id); !ok {
			return
		}
		if room, left = r.Registry.Leave(id); !left {
			return
		}
		out.broadcast(key, id, protocol.Leave{Type: protocol.TypeLeave, ParticipantID: id})
	})
	if !left {
		return
	}
	log.Info().Str("module", "relay").Str("pid", string(id)).Str("room", string(room)).Msg("leave")
	r.publish(events.Left, room, p)
}

// sendHistory replays the board and the current slide to one participant.
func (r *Relay) sendHistory(out *outbox, id domain.ParticipantID, key domain.RoomKey) {
	evs, slide, err := r.Registry.History(key)
	if err != nil {
		return
	}
	if len(evs) > 0 {
		out.send(id, protocol.History{Type: protocol.TypeHistory, Events: evs})
	}
	if slide != "" {
		out.send(id, protocol.SlideChange{Type: protocol.TypeSlideChange, ImageRef: slide})
	}
}
