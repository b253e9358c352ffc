package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	channel string
	body    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, _ := message.([]byte)
	f.msgs = append(f.msgs, published{channel: channel, body: body})
	return redis.NewIntResult(1, f.err)
}

func (f *fakePublisher) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func TestRedisSink_PublishesToRoomChannel(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewRedisSink(pub, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)

	p := domain.Participant{ID: "p1", DisplayName: "Ann"}
	sink.Publish(NewEvent(Joined, "course-7", p))
	sink.Publish(NewEvent(Left, "course-7", p))

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	msgs := pub.snapshot()
	assert.Equal(t, "room:course-7", msgs[0].channel)
	var ev Event
	require.NoError(t, json.Unmarshal(msgs[0].body, &ev))
	assert.Equal(t, Joined, ev.Kind)
	assert.Equal(t, domain.ParticipantID("p1"), ev.ParticipantID)
	assert.Equal(t, "Ann", ev.DisplayName)

	require.NoError(t, json.Unmarshal(msgs[1].body, &ev))
	assert.Equal(t, Left, ev.Kind)
}

func TestRedisSink_PublishNeverBlocks(t *testing.T) {
	sink := NewRedisSink(&fakePublisher{}, 1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			sink.Publish(Event{Kind: Joined, RoomKey: "k"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked without a running worker")
	}
}

func TestRedisSink_SurvivesPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	sink := NewRedisSink(pub, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)

	sink.Publish(Event{Kind: Joined, RoomKey: "a"})
	sink.Publish(Event{Kind: Joined, RoomKey: "b"})
	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}
