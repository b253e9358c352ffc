// Package events publishes room membership changes to collaborators outside
// the relay, such as the course service that tracks attendance.
package events

import (
	"time"

	"github.com/dkeye/meshroom/internal/domain"
)

type Kind string

const (
	Joined Kind = "joined"
	Left   Kind = "left"
)

type Event struct {
	Kind          Kind                 `json:"event"`
	RoomKey       domain.RoomKey       `json:"roomKey"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	DisplayName   string               `json:"displayName,omitempty"`
	At            int64                `json:"at"`
}

func NewEvent(kind Kind, key domain.RoomKey, p domain.Participant) Event {
	return Event{
		Kind:          kind,
		RoomKey:       key,
		ParticipantID: p.ID,
		DisplayName:   p.DisplayName,
		At:            time.Now().Unix(),
	}
}

// Sink must not block the caller.
type Sink interface {
	Publish(Event)
}

type NopSink struct{}

func (NopSink) Publish(Event) {}
