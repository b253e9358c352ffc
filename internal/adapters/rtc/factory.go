package rtc

import (
	"github.com/dkeye/meshroom/internal/negotiation"
	"github.com/pion/webrtc/v4"
)

// Factory builds pion connections for negotiation sessions.
type Factory struct {
	Config webrtc.Configuration
	Media  *LocalMedia
	// OnTrack, when set, receives every remote track.
	OnTrack func(key negotiation.Key, track *webrtc.TrackRemote)
}

func NewFactory(iceServers []string, media *LocalMedia) *Factory {
	return &Factory{Config: WebRTCConfig(iceServers), Media: media}
}

func (f *Factory) NewPeer(key negotiation.Key) (negotiation.MediaPeer, error) {
	c, err := NewConnection(f.Config, key, f.Media)
	if err != nil {
		return nil, err
	}
	if f.OnTrack != nil {
		c.OnTrack(f.OnTrack)
	}
	return c, nil
}
