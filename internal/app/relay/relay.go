// Package relay routes signaling messages between the members of a room.
// It never inspects SDP or candidates; it only stamps the sender and picks
// the receivers.
package relay

import (
	"context"
	"errors"

	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/events"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Limiter gates join attempts per participant.
type Limiter interface {
	Allow(id domain.ParticipantID) bool
}

type Relay struct {
	Registry *app.Registry
	Conns    *app.Conns
	Policy   app.Policy
	Events   events.Sink
	Limiter  Limiter

	rooms roomLocks
}

// Connect registers a fresh channel and greets it with its participant id.
func (r *Relay) Connect(id domain.ParticipantID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.Conns.Bind(id, conn, cancel)
	r.sendJSON(id, protocol.Welcome{Type: protocol.TypeWelcome, ParticipantID: id})
}

// Disconnect is an implicit leave followed by forgetting the channel.
// Safe to call more than once.
func (r *Relay) Disconnect(id domain.ParticipantID) {
	r.leave(id)
	if r.Conns.Unbind(id) {
		log.Info().Str("module", "relay").Str("pid", string(id)).Msg("disconnected")
	}
}

// OnFrame handles one inbound message from id. Malformed or misrouted
// messages are logged and dropped; only join problems are reported back.
func (r *Relay) OnFrame(id domain.ParticipantID, data core.Frame) {
	typ, err := protocol.PeekType(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("pid", string(id)).Msg("bad frame")
		return
	}

	switch typ {
	case protocol.TypeJoin:
		r.handleJoin(id, data)
	case protocol.TypeLeave:
		r.handleLeave(id)
	case protocol.TypePing:
		r.sendJSON(id, protocol.Envelope{Type: protocol.TypePong})
	case protocol.TypeOffer, protocol.TypeAnswer:
		r.handleSetup(id, typ, data)
	case protocol.TypeCandidate:
		r.handleCandidate(id, data)
	case protocol.TypeStatusChange:
		r.handleStatus(id, data)
	case protocol.TypeStreamStopped:
		r.handleStreamStopped(id, data)
	case protocol.TypeDraw:
		r.handleDraw(id, data)
	case protocol.TypeClear:
		r.handleClear(id)
	case protocol.TypeSlideChange:
		r.handleSlide(id, data)
	case protocol.TypeRequestHistory:
		r.handleRequestHistory(id)
	default:
		log.Warn().Str("module", "relay").Str("pid", string(id)).Str("type", string(typ)).Msg("unknown signal")
	}
}

func (r *Relay) sendError(id domain.ParticipantID, code string) {
	r.sendJSON(id, protocol.Error{Type: protocol.TypeError, Error: code})
}

func (r *Relay) sendJSON(id domain.ParticipantID, v any) {
	b, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("sendJSON marshal")
		return
	}
	r.send(id, b)
}

func (r *Relay) send(id domain.ParticipantID, f core.Frame) {
	if r.deliver(id, f) {
		r.onBackPressure(id)
	}
}

// deliver queues f on id's channel and reports back-pressure.
func (r *Relay) deliver(id domain.ParticipantID, f core.Frame) (slow bool) {
	conn, ok := r.Conns.Get(id)
	if !ok {
		return false
	}
	err := conn.TrySend(f)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrBackpressure):
		return true
	default:
		log.Debug().Err(err).Str("module", "relay").Str("pid", string(id)).Msg("send on closed channel")
	}
	return false
}

func (r *Relay) onBackPressure(id domain.ParticipantID) {
	key, _ := r.Registry.RoomOf(id)
	action := app.KickMember
	if r.Policy != nil {
		action = r.Policy.OnBackPressure(key, id)
	}
	switch action {
	case app.KickMember:
		log.Warn().Str("module", "relay").Str("pid", string(id)).Msg("slow receiver kicked")
		r.Conns.Cancel(id)
		r.Disconnect(id)
	case app.DropFrame, app.NoAction:
		log.Warn().Str("module", "relay").Str("pid", string(id)).Msg("frame dropped")
	}
}

func (r *Relay) publish(kind events.Kind, key domain.RoomKey, p domain.Participant) {
	if r.Events == nil {
		return
	}
	r.Events.Publish(events.NewEvent(kind, key, p))
}
