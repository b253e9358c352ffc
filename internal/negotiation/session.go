package negotiation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type eventKind int

const (
	evOffer eventKind = iota
	evRemoteOffer
	evRemoteAnswer
	evRemoteCandidate
	evLocalCandidate
	evPeerState
	evClose
)

type event struct {
	kind eventKind
	sdp  string
	cand webrtc.ICECandidateInit
	peer PeerState
}

// session owns one MediaPeer. Every transition runs on the session's own
// goroutine; other goroutines only post events to its mailbox.
type session struct {
	key     Key
	offerer bool
	engine  *Engine
	peer    MediaPeer
	timeout time.Duration
	state   atomic.Int32

	mu      sync.Mutex
	pending []event
	wake    chan struct{}
	done    chan struct{}

	// owned by run
	timer     *time.Timer
	remoteSet bool
	queue     []webrtc.ICECandidateInit
	presented bool
}

func newSession(e *Engine, key Key, offerer bool, peer MediaPeer, timeout time.Duration) *session {
	s := &session{
		key:     key,
		offerer: offerer,
		engine:  e,
		peer:    peer,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	peer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.post(event{kind: evLocalCandidate, cand: c})
	})
	peer.OnStateChange(func(ps PeerState) {
		s.post(event{kind: evPeerState, peer: ps})
	})
	return s
}

func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		log.Debug().Str("module", "negotiation").Str("remote", string(s.key.Remote)).
			Str("kind", string(s.key.Kind)).Bool("outbound", s.key.Outbound).
			Str("from", old.String()).Str("to", st.String()).Msg("session state")
	}
}

// post never blocks. Events posted after the session ended are dropped.
func (s *session) post(ev event) bool {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return false
	default:
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *session) drain() []event {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.pending
	s.pending = nil
	return evs
}

func (s *session) run() {
	defer s.engine.wg.Done()
	defer func() {
		s.mu.Lock()
		close(s.done)
		s.pending = nil
		s.mu.Unlock()
	}()

	s.timer = time.NewTimer(s.timeout)
	defer s.timer.Stop()

	for {
		select {
		case <-s.wake:
			for _, ev := range s.drain() {
				if s.handle(ev) {
					return
				}
			}
		case <-s.timer.C:
			if s.State() != StateConnected {
				log.Warn().Str("module", "negotiation").Str("remote", string(s.key.Remote)).
					Str("kind", string(s.key.Kind)).Str("state", s.State().String()).Msg("negotiation timed out")
				s.fail()
				return
			}
		}
	}
}

// handle applies one event and reports whether the session is finished.
func (s *session) handle(ev event) bool {
	switch ev.kind {
	case evOffer:
		return s.sendOffer()
	case evRemoteOffer:
		return s.acceptOffer(ev.sdp)
	case evRemoteAnswer:
		return s.applyAnswer(ev.sdp)
	case evRemoteCandidate:
		s.addRemoteCandidate(ev.cand)
	case evLocalCandidate:
		s.engine.sendCandidate(s.key, s.offerer, ev.cand)
	case evPeerState:
		return s.onPeerState(ev.peer)
	case evClose:
		s.teardown()
		return true
	}
	return false
}

func (s *session) sendOffer() bool {
	if s.State() != StateIdle {
		log.Warn().Str("module", "negotiation").Str("remote", string(s.key.Remote)).Msg("offer requested on busy session")
		return false
	}
	sdp, err := s.peer.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "negotiation").Str("remote", string(s.key.Remote)).Msg("create offer")
		s.fail()
		return true
	}
	s.setState(StateOfferSent)
	s.engine.sendSetup(true, s.key, sdp)
	return false
}

func (s *session) acceptOffer(sdp string) bool {
	if s.State() != StateIdle {
		log.Warn().Str("module", "negotiation").Str("remote", string(s.key.Remote)).
			Str("state", s.State().String()).Msg("offer for active session dropped")
		return false
	}
	s.setState(StateOfferReceived)
	answer, err := s.peer.AcceptOffer(sdp)
	if err != nil {
		log.Error().Err(err).Str("module", "negotiation").Str("remote", string(s.key.Remote)).Msg("accept offer")
		s.fail()
		return true
	}
	s.remoteSet = true
	s.flushCandidates()
	s.setState(StateAnswered)
	s.engine.sendSetup(false, s.key, answer)
	return false
}

func (s *session) applyAnswer(sdp string) bool {
	switch s.State() {
	case StateOfferSent:
	case StateAnswered, StateConnected:
		log.Debug().Str("module", "negotiation").Str("remote", string(s.key.Remote)).Msg("duplicate answer ignored")
		return false
	default:
		log.Warn().Str("module", "negotiation").Str("remote", string(s.key.Remote)).
			Str("state", s.State().String()).Msg("unexpected answer dropped")
		return false
	}
	if err := s.peer.ApplyAnswer(sdp); err != nil {
		log.Error().Err(err).Str("module", "negotiation").Str("remote", string(s.key.Remote)).Msg("apply answer")
		s.fail()
		return true
	}
	s.remoteSet = true
	s.flushCandidates()
	s.setState(StateAnswered)
	return false
}

// addRemoteCandidate queues until a remote description is set.
func (s *session) addRemoteCandidate(c webrtc.ICECandidateInit) {
	if !s.remoteSet {
		s.queue = append(s.queue, c)
		return
	}
	if err := s.peer.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "negotiation").Str("remote", string(s.key.Remote)).Msg("add ice candidate")
	}
}

func (s *session) flushCandidates() {
	q := s.queue
	s.queue = nil
	for _, c := range q {
		if err := s.peer.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "negotiation").Str("remote", string(s.key.Remote)).Msg("add queued ice candidate")
		}
	}
}

func (s *session) onPeerState(ps PeerState) bool {
	switch ps {
	case PeerConnected:
		if st := s.State(); st == StateConnected || st == StateClosed {
			return false
		}
		s.setState(StateConnected)
		s.timer.Stop()
		if !s.key.Outbound {
			s.presented = true
			s.engine.presenter.StreamAdded(s.engine.participant(s.key.Remote), s.key.Kind)
		}
		log.Info().Str("module", "negotiation").Str("remote", string(s.key.Remote)).Str("kind", string(s.key.Kind)).Msg("connected")
	case PeerFailed:
		log.Warn().Str("module", "negotiation").Str("remote", string(s.key.Remote)).Str("kind", string(s.key.Kind)).Msg("media connection failed")
		s.fail()
		return true
	case PeerClosed:
		s.teardown()
		return true
	}
	return false
}

// fail tears the session down and reports the remote as unreachable.
// There is no automatic retry.
func (s *session) fail() {
	s.teardown()
	s.engine.presenter.Unreachable(s.key.Remote, s.key.Kind)
}

func (s *session) teardown() {
	if s.State() == StateClosed {
		return
	}
	s.setState(StateClosed)
	s.queue = nil
	if err := s.peer.Close(); err != nil {
		log.Debug().Err(err).Str("module", "negotiation").Str("remote", string(s.key.Remote)).Msg("close peer")
	}
	s.engine.forget(s)
	if s.presented {
		s.presented = false
		s.engine.presenter.StreamRemoved(s.key.Remote, s.key.Kind)
	}
}
