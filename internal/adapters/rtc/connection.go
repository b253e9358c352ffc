package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/meshroom/internal/negotiation"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Connection is a pion PeerConnection driven by a negotiation session.
// Candidates trickle; descriptions are exchanged without waiting for
// gathering to complete.
type Connection struct {
	pc     *webrtc.PeerConnection
	key    negotiation.Key
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	onICE   func(webrtc.ICECandidateInit)
	onState func(negotiation.PeerState)
	onTrack func(key negotiation.Key, track *webrtc.TrackRemote)
}

// DefaultWebRTCConfig uses a public STUN server.
func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// WebRTCConfig builds a configuration from STUN/TURN urls. An empty list
// falls back to DefaultWebRTCConfig.
func WebRTCConfig(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		return DefaultWebRTCConfig()
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: urls,
			},
		},
	}
}

func NewConnection(cfg webrtc.Configuration, key negotiation.Key, media *LocalMedia) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{pc: pc, key: key, ctx: ctx, cancel: cancel}

	if err := media.attach(pc, key); err != nil {
		cancel()
		_ = pc.Close()
		return nil, err
	}
	c.bindHandlers()
	return c, nil
}

func (c *Connection) bindHandlers() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("remote", string(c.key.Remote)).
			Str("kind", string(c.key.Kind)).Str("peer_connection_state", s.String()).Msg("Peer state")
		ps, ok := peerState(s)
		if !ok {
			return
		}
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(ps)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("remote", string(c.key.Remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(c.key, track)
			return
		}
		go c.discard(track)
	})
}

// discard keeps the receive buffers drained when nobody renders the track.
func (c *Connection) discard(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if c.ctx.Err() != nil {
			return
		}
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// peerState keeps only the transitions a session acts on.
func peerState(s webrtc.PeerConnectionState) (negotiation.PeerState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return negotiation.PeerConnected, true
	case webrtc.PeerConnectionStateFailed:
		return negotiation.PeerFailed, true
	case webrtc.PeerConnectionStateClosed:
		return negotiation.PeerClosed, true
	}
	return 0, false
}

func (c *Connection) CreateOffer() (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (c *Connection) AcceptOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (c *Connection) ApplyAnswer(sdp string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Connection) OnStateChange(fn func(negotiation.PeerState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// OnTrack replaces the default discarding reader for remote tracks.
func (c *Connection) OnTrack(fn func(key negotiation.Key, track *webrtc.TrackRemote)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Connection) Close() error {
	c.cancel()
	err := c.pc.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("remote", string(c.key.Remote)).Msg("close error")
	} else {
		log.Debug().Str("module", "webrtc").Str("remote", string(c.key.Remote)).Msg("closed")
	}
	return err
}
