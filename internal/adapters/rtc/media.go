package rtc

import (
	"errors"
	"fmt"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/negotiation"
	"github.com/pion/webrtc/v4"
)

var ErrNoScreenTrack = errors.New("screen share track not available")

// LocalMedia holds the tracks every outgoing connection shares. A nil
// track means the participant does not send that media.
type LocalMedia struct {
	Audio  *webrtc.TrackLocalStaticSample
	Video  *webrtc.TrackLocalStaticSample
	Screen *webrtc.TrackLocalStaticSample
}

// NewLocalMedia creates tracks labelled with the participant id.
func NewLocalMedia(id domain.ParticipantID, audio, video, screen bool) (*LocalMedia, error) {
	m := &LocalMedia{}
	stream := "camera-" + string(id)
	var err error
	if audio {
		m.Audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
	}
	if video {
		m.Video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
	}
	if screen {
		m.Screen, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "screen-"+string(id))
		if err != nil {
			return nil, fmt.Errorf("screen track: %w", err)
		}
	}
	return m, nil
}

// attach adds the tracks a session of key carries. Camera sessions always
// negotiate audio and video, receive-only when not sending.
func (m *LocalMedia) attach(pc *webrtc.PeerConnection, key negotiation.Key) error {
	if m == nil {
		m = &LocalMedia{}
	}
	switch {
	case key.Kind == domain.StreamCamera:
		if err := addOrReceive(pc, m.Audio, webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
		return addOrReceive(pc, m.Video, webrtc.RTPCodecTypeVideo)
	case key.Outbound:
		if m.Screen == nil {
			return ErrNoScreenTrack
		}
		return addTrack(pc, m.Screen)
	default:
		_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		return err
	}
}

func addOrReceive(pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticSample, kind webrtc.RTPCodecType) error {
	if track != nil {
		return addTrack(pc, track)
	}
	_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func addTrack(pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticSample) error {
	sender, err := pc.AddTrack(track)
	if err != nil {
		return err
	}
	// RTCP must be read for interceptors to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}
