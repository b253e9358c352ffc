package app

import (
	"context"
	"sync"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Conns maps participant ids to their live signaling channels.
type Conns struct {
	mu    sync.RWMutex
	conns map[domain.ParticipantID]*connEntry
}

func NewConns() *Conns {
	return &Conns{conns: make(map[domain.ParticipantID]*connEntry)}
}

func (c *Conns) Bind(id domain.ParticipantID, conn core.SignalConnection, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[id] = &connEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.conns").Str("pid", string(id)).Msg("bound signal")
}

func (c *Conns) Get(id domain.ParticipantID) (core.SignalConnection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.conns[id]; ok {
		return e.Conn, true
	}
	return nil, false
}

// Unbind forgets the channel and reports whether it was bound.
func (c *Conns) Unbind(id domain.ParticipantID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[id]; !ok {
		return false
	}
	delete(c.conns, id)
	log.Info().Str("module", "app.conns").Str("pid", string(id)).Msg("unbind signal")
	return true
}

// Cancel stops the pumps of the participant's channel.
func (c *Conns) Cancel(id domain.ParticipantID) bool {
	c.mu.RLock()
	e, ok := c.conns[id]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.conns").Str("pid", string(id)).Msg("canceled signal")
	return true
}

func (c *Conns) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}
