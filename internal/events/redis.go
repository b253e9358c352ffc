package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	channelPrefix = "room:"
	publishTTL    = 5 * time.Second
)

// Publisher is the subset of *redis.Client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink queues events and publishes them to room:<key> from Run.
// Events are dropped when the queue is full.
type RedisSink struct {
	client Publisher
	queue  chan Event
}

func NewRedisSink(client Publisher, buffer int) *RedisSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &RedisSink{client: client, queue: make(chan Event, buffer)}
}

// NewRedisClient builds a go-redis client from relay settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (s *RedisSink) Publish(ev Event) {
	select {
	case s.queue <- ev:
	default:
		log.Warn().Str("module", "events.redis").Str("room", string(ev.RoomKey)).Msg("event queue full, dropping")
	}
}

// Run drains the queue until ctx is done.
func (s *RedisSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			if err := s.send(ctx, ev); err != nil {
				log.Warn().Err(err).Str("module", "events.redis").Str("room", string(ev.RoomKey)).Msg("publish failed")
			}
		}
	}
}

func (s *RedisSink) send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTTL)
	defer cancel()
	return s.client.Publish(ctx, channelPrefix+string(ev.RoomKey), body).Err()
}
