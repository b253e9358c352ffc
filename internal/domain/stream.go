package domain

import "errors"

var ErrUnknownStreamKind = errors.New("unknown stream kind")

// StreamKind names a logical stream. Each kind is negotiated as its own
// connection per remote peer.
type StreamKind string

const (
	StreamCamera StreamKind = "camera"
	StreamScreen StreamKind = "screen"
)

func ParseStreamKind(raw string) (StreamKind, error) {
	switch k := StreamKind(raw); k {
	case StreamCamera, StreamScreen:
		return k, nil
	}
	return "", ErrUnknownStreamKind
}
