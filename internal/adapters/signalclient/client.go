// Package signalclient dials the relay websocket for a headless peer.
package signalclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:  64 << 10,
		PingPeriod: 25 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  5 * time.Second,
		SendBuffer: 256,
	}
}

// Client is an ordered frame channel to the relay.
type Client struct {
	conn *websocket.Conn
	opts Options
	send chan core.Frame
	done chan struct{}
	once sync.Once
}

// Dial connects to url and starts the write pump. Frames are read by Run.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c := newClient(conn, opts)
	go c.writePump()
	log.Info().Str("module", "signalclient").Str("url", url).Msg("connected")
	return c, nil
}

func newClient(conn *websocket.Conn, opts Options) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	return &Client{
		conn: conn,
		opts: opts,
		send: make(chan core.Frame, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues f without blocking.
func (c *Client) Send(f core.Frame) error {
	select {
	case <-c.done:
		return core.ErrConnectionClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return core.ErrConnectionClosed
	default:
		return core.ErrBackpressure
	}
}

// Run reads frames and hands them to handle until the connection or ctx
// ends. A close initiated by either side returns nil.
func (c *Client) Run(ctx context.Context, handle func(core.Frame)) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	defer c.shutdown()

	if c.opts.ReadLimit > 0 {
		c.conn.SetReadLimit(c.opts.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closing() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		handle(core.Frame(data))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
		_ = c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, f); err != nil {
				log.Warn().Err(err).Str("module", "signalclient").Msg("write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signalclient").Msg("ping error")
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				log.Debug().Err(err).Str("module", "signalclient").Msg("close frame")
			}
			return
		}
	}
}

// Done is closed once the client stops.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close sends a close frame and releases the socket. Idempotent.
func (c *Client) Close() { c.shutdown() }

func (c *Client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
