package negotiation

import (
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Key identifies one negotiation session on the local side.
//
// Camera sessions are bidirectional, so there is exactly one per remote and
// Outbound is always false. Screen sessions carry a single direction:
// Outbound is true for the local screen sent to Remote and false for the
// screen Remote sends to us.
type Key struct {
	Remote   domain.ParticipantID
	Kind     domain.StreamKind
	Outbound bool
}

func cameraKey(remote domain.ParticipantID) Key {
	return Key{Remote: remote, Kind: domain.StreamCamera}
}

func screenKey(remote domain.ParticipantID, outbound bool) Key {
	return Key{Remote: remote, Kind: domain.StreamScreen, Outbound: outbound}
}

// keyFor maps a remote's message onto a local key. senderOffered is true
// when the remote is the offering side of the session.
func keyFor(remote domain.ParticipantID, kind domain.StreamKind, senderOffered bool) Key {
	if kind == domain.StreamScreen {
		return screenKey(remote, !senderOffered)
	}
	return cameraKey(remote)
}

type PeerState int

const (
	PeerConnected PeerState = iota + 1
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnected:
		return "connected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}

// MediaPeer is one media connection to a remote. Descriptions are passed as
// raw SDP; the peer sets its own local description.
type MediaPeer interface {
	CreateOffer() (string, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(sdp string) (string, error)
	ApplyAnswer(sdp string) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnStateChange(fn func(PeerState))
	Close() error
}

// PeerFactory builds a media peer for a session. The key tells the factory
// which local tracks to attach.
type PeerFactory interface {
	NewPeer(key Key) (MediaPeer, error)
}

// Transport carries frames to the relay in order.
type Transport interface {
	Send(f core.Frame) error
}

// Presenter displays remote streams. Calls come from session goroutines and
// must not block for long.
type Presenter interface {
	StreamAdded(remote domain.Participant, kind domain.StreamKind)
	StreamRemoved(id domain.ParticipantID, kind domain.StreamKind)
	StatusChanged(id domain.ParticipantID, status domain.MediaStatus)
	Unreachable(id domain.ParticipantID, kind domain.StreamKind)
}

// Board receives whiteboard traffic from the room.
type Board interface {
	Draw(ev domain.DrawEvent)
	Clear()
	Replay(evs []domain.DrawEvent)
	Slide(imageRef string)
}

type NopPresenter struct{}

func (NopPresenter) StreamAdded(domain.Participant, domain.StreamKind) {}
func (NopPresenter) StreamRemoved(domain.ParticipantID, domain.StreamKind) {}
func (NopPresenter) StatusChanged(domain.ParticipantID, domain.MediaStatus) {}
func (NopPresenter) Unreachable(domain.ParticipantID, domain.StreamKind) {}

type NopBoard struct{}

func (NopBoard) Draw(domain.DrawEvent) {}
func (NopBoard) Clear() {}
func (NopBoard) Replay([]domain.DrawEvent) {}
func (NopBoard) Slide(string) {}
