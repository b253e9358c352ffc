// Package protocol holds the JSON messages exchanged between participants
// and the relay. Every message is a flat object with a "type" field.
package protocol

import (
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Type string

const (
	TypeJoin           Type = "join"
	TypeSnapshot       Type = "membership-snapshot"
	TypeOffer          Type = "setup-offer"
	TypeAnswer         Type = "setup-answer"
	TypeCandidate      Type = "candidate"
	TypeStatusChange   Type = "status-change"
	TypeStreamStopped  Type = "stream-stopped"
	TypeDraw           Type = "draw"
	TypeClear          Type = "clear"
	TypeSlideChange    Type = "slide-change"
	TypeRequestHistory Type = "request-history"
	TypeHistory        Type = "whiteboard-history"
	TypeLeave          Type = "leave"
	TypeWelcome        Type = "welcome"
	TypePing           Type = "ping"
	TypePong           Type = "pong"
	TypeError          Type = "error"
)

// Error codes sent back in Error messages.
const (
	ErrCodeBadPayload  = "bad_payload"
	ErrCodeInvalidName = "invalid_name"
	ErrCodeInvalidRoom = "invalid_room"
	ErrCodeRoomFull    = "room_full"
	ErrCodeNotJoined   = "not_joined"
	ErrCodeRateLimited = "rate_limited"
)

type Envelope struct {
	Type Type `json:"type"`
}

type Join struct {
	Type        Type                `json:"type"`
	RoomKey     string              `json:"roomKey"`
	DisplayName string              `json:"displayName"`
	Status      *domain.MediaStatus `json:"status,omitempty"`
}

type Snapshot struct {
	Type         Type                 `json:"type"`
	Participants []domain.Participant `json:"participants"`
}

// Setup carries an offer or an answer. DisplayName and Status are filled
// by the relay on offers so the answering side can label the stream.
type Setup struct {
	Type        Type                 `json:"type"`
	TargetID    domain.ParticipantID `json:"targetId"`
	SenderID    domain.ParticipantID `json:"senderId,omitempty"`
	StreamKind  domain.StreamKind    `json:"streamKind"`
	SDP         string               `json:"sdp"`
	DisplayName string               `json:"displayName,omitempty"`
	Status      *domain.MediaStatus  `json:"status,omitempty"`
}

// Candidate is one trickled ICE candidate. Offerer is true when the sender
// is the offering side of the session the candidate belongs to.
type Candidate struct {
	Type       Type                    `json:"type"`
	TargetID   domain.ParticipantID    `json:"targetId"`
	SenderID   domain.ParticipantID    `json:"senderId,omitempty"`
	StreamKind domain.StreamKind       `json:"streamKind"`
	Offerer    bool                    `json:"offerer"`
	Candidate  webrtc.ICECandidateInit `json:"candidate"`
}

type StatusChange struct {
	Type          Type                 `json:"type"`
	ParticipantID domain.ParticipantID `json:"participantId,omitempty"`
	Status        domain.MediaStatus   `json:"status"`
}

type StreamStopped struct {
	Type          Type                 `json:"type"`
	ParticipantID domain.ParticipantID `json:"participantId,omitempty"`
	StreamKind    domain.StreamKind    `json:"streamKind"`
}

type Draw struct {
	Type Type `json:"type"`
	domain.DrawEvent
}

type SlideChange struct {
	Type     Type   `json:"type"`
	ImageRef string `json:"imageRef"`
}

type History struct {
	Type   Type               `json:"type"`
	Events []domain.DrawEvent `json:"events"`
}

// Leave is sent by a client without ParticipantID and emitted by the relay
// with the id of the participant that left.
type Leave struct {
	Type          Type                 `json:"type"`
	ParticipantID domain.ParticipantID `json:"participantId,omitempty"`
}

type Welcome struct {
	Type          Type                 `json:"type"`
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type Error struct {
	Type  Type   `json:"type"`
	Error string `json:"error"`
}
