package relay

import (
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/rs/zerolog/log"
)

// joined runs fn in the sender's room or reports not_joined.
func (r *Relay) joined(id domain.ParticipantID, fn func(key domain.RoomKey, out *outbox)) {
	if !r.inRoom(id, fn) {
		r.sendError(id, protocol.ErrCodeNotJoined)
	}
}

func (r *Relay) handleStatus(id domain.ParticipantID, data []byte) {
	var p protocol.StatusChange
	if err := protocol.Decode(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("bad status payload")
		return
	}
	r.joined(id, func(key domain.RoomKey, out *outbox) {
		if _, ok := r.Registry.UpdateStatus(id, p.Status); !ok {
			return
		}
		p.ParticipantID = id
		out.broadcast(key, id, p)
	})
}

func (r *Relay) handleStreamStopped(id domain.ParticipantID, data []byte) {
	var p protocol.StreamStopped
	if err := protocol.Decode(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("bad stream-stopped payload")
		return
	}
	if _, err := domain.ParseStreamKind(string(p.StreamKind)); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("pid", string(id)).Msg("stream-stopped")
		return
	}
	r.joined(id, func(key domain.RoomKey, out *outbox) {
		p.ParticipantID = id
		out.broadcast(key, id, p)
	})
}

func (r *Relay) handleDraw(id domain.ParticipantID, data []byte) {
	var p protocol.Draw
	if err := protocol.Decode(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("bad draw payload")
		return
	}
	ev, err := p.DrawEvent.Normalize()
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("pid", string(id)).Msg("draw")
		return
	}
	r.joined(id, func(key domain.RoomKey, out *outbox) {
		if err := r.Registry.RecordDraw(key, ev); err != nil {
			return
		}
		out.broadcast(key, id, protocol.Draw{Type: protocol.TypeDraw, DrawEvent: ev})
	})
}

func (r *Relay) handleClear(id domain.ParticipantID) {
	r.joined(id, func(key domain.RoomKey, out *outbox) {
		if err := r.Registry.Clear(key); err != nil {
			return
		}
		out.broadcast(key, id, protocol.Envelope{Type: protocol.TypeClear})
	})
}

func (r *Relay) handleSlide(id domain.ParticipantID, data []byte) {
	var p protocol.SlideChange
	if err := protocol.Decode(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("bad slide payload")
		return
	}
	r.joined(id, func(key domain.RoomKey, out *outbox) {
		if err := r.Registry.SetSlide(key, p.ImageRef); err != nil {
			return
		}
		out.broadcast(key, id, protocol.SlideChange{Type: protocol.TypeSlideChange, ImageRef: p.ImageRef})
	})
}

func (r *Relay) handleRequestHistory(id domain.ParticipantID) {
	r.joined(id, func(key domain.RoomKey, out *outbox) {
		evs, slide, err := r.Registry.History(key)
		if err != nil {
			return
		}
		if evs == nil {
			evs = []domain.DrawEvent{}
		}
		out.send(id, protocol.History{Type: protocol.TypeHistory, Events: evs})
		if slide != "" {
			out.send(id, protocol.SlideChange{Type: protocol.TypeSlideChange, ImageRef: slide})
		}
	})
}
