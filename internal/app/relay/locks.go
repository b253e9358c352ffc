package relay

import (
	"sync"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/rs/zerolog/log"
)

// roomLocks orders a room's state changes with the frames that report them.
// Locks exist only while someone holds or waits on them.
type roomLocks struct {
	mu    sync.Mutex
	locks map[domain.RoomKey]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func (l *roomLocks) lock(key domain.RoomKey) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[domain.RoomKey]*roomLock)
	}
	rl, ok := l.locks[key]
	if !ok {
		rl = &roomLock{}
		l.locks[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// outbox sends frames while a room lock is held. Receivers that hit
// back-pressure are collected and handed to the policy after the lock is
// released, since a kick is itself a room change.
type outbox struct {
	r    *Relay
	slow []domain.ParticipantID
}

func (o *outbox) send(id domain.ParticipantID, v any) {
	b, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("outbox marshal")
		return
	}
	o.sendFrame(id, b)
}

func (o *outbox) sendFrame(id domain.ParticipantID, f core.Frame) {
	if !o.r.deliver(id, f) {
		return
	}
	for _, s := range o.slow {
		if s == id {
			return
		}
	}
	o.slow = append(o.slow, id)
}

// broadcast sends v to every member of key except the sender.
func (o *outbox) broadcast(key domain.RoomKey, except domain.ParticipantID, v any) {
	b, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("broadcast marshal")
		return
	}
	for _, p := range o.r.Registry.Members(key) {
		if p.ID == except {
			continue
		}
		o.sendFrame(p.ID, b)
	}
}

// settle applies the back-pressure policy. Call without any room lock held.
func (o *outbox) settle() {
	slow := o.slow
	o.slow = nil
	for _, id := range slow {
		o.r.onBackPressure(id)
	}
}

// inRoom runs fn under the lock of the sender's room. It reports false when
// the sender is not joined.
func (r *Relay) inRoom(id domain.ParticipantID, fn func(key domain.RoomKey, out *outbox)) bool {
	for {
		key, ok := r.Registry.RoomOf(id)
		if !ok {
			return false
		}
		unlock := r.rooms.lock(key)
		if cur, ok := r.Registry.RoomOf(id); !ok || cur != key {
			// moved while we waited
			unlock()
			continue
		}
		out := &outbox{r: r}
		fn(key, out)
		unlock()
		out.settle()
		return true
	}
}
