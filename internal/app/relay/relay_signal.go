package relay

import (
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/rs/zerolog/log"
)

// route checks that target shares the sender's room and returns the
// sender's stored state. Runs under the room lock.
func (r *Relay) route(id domain.ParticipantID, key domain.RoomKey, target domain.ParticipantID) (domain.Participant, bool) {
	if target == id {
		log.Warn().Str("module", "relay").Str("pid", string(id)).Msg("signal addressed to self")
		return domain.Participant{}, false
	}
	sender, _, ok := r.Registry.Participant(id)
	if !ok {
		return domain.Participant{}, false
	}
	tkey, ok := r.Registry.RoomOf(target)
	if !ok || tkey != key {
		log.Debug().Str("module", "relay").Str("pid", string(id)).Str("target", string(target)).Msg("target not in room")
		return domain.Participant{}, false
	}
	return sender, true
}

func (r *Relay) handleSetup(id domain.ParticipantID, typ protocol.Type, data []byte) {
	var p protocol.Setup
	if err := protocol.Decode(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("type", string(typ)).Msg("bad setup payload")
		return
	}
	if _, err := domain.ParseStreamKind(string(p.StreamKind)); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("pid", string(id)).Msg("setup")
		return
	}
	r.joined(id, func(key domain.RoomKey, out *outbox) {
		sender, ok := r.route(id, key, p.TargetID)
		if !ok {
			return
		}
		p.Type = typ
		p.SenderID = id
		p.DisplayName = ""
		p.Status = nil
		if typ == protocol.TypeOffer {
			status := sender.Status
			p.DisplayName = sender.DisplayName
			p.Status = &status
		}
		out.send(p.TargetID, p)
	})
}

func (r *Relay) handleCandidate(id domain.ParticipantID, data []byte) {
	var p protocol.Candidate
	if err := protocol.Decode(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "relay").Msg("bad candidate payload")
		return
	}
	if _, err := domain.ParseStreamKind(string(p.StreamKind)); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("pid", string(id)).Msg("candidate")
		return
	}
	r.joined(id, func(key domain.RoomKey, out *outbox) {
		if _, ok := r.route(id, key, p.TargetID); !ok {
			return
		}
		p.SenderID = id
		out.send(p.TargetID, p)
	})
}
