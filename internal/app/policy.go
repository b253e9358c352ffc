package app

import "github.com/dkeye/meshroom/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a receiver whose outbound buffer is full.
type Policy interface {
	OnBackPressure(room domain.RoomKey, id domain.ParticipantID) BackpressureAction
}

// SimplePolicy treats a stalled receiver as disconnected.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomKey, domain.ParticipantID) BackpressureAction {
	return KickMember
}

// DropPolicy keeps the receiver and loses the frame.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.RoomKey, domain.ParticipantID) BackpressureAction {
	return DropFrame
}
