// Package negotiation runs the per-participant side of the mesh: one media
// session per remote and stream kind, negotiated over the relay.
package negotiation

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrNotJoined = errors.New("not joined")
	ErrClosed    = errors.New("engine closed")
)

type Options struct {
	// Timeout bounds the time a session may take to reach connected.
	Timeout time.Duration
	// OnRelayError receives error codes the relay sends back.
	OnRelayError func(code string)
}

type Engine struct {
	transport Transport
	peers     PeerFactory
	presenter Presenter
	board     Board
	timeout   time.Duration
	onError   func(string)

	mu       sync.Mutex
	self     domain.ParticipantID
	joined   bool
	remotes  map[domain.ParticipantID]domain.Participant
	sessions map[Key]*session
	sharing  bool
	closed   bool
	welcome  chan struct{}

	wg sync.WaitGroup
}

func NewEngine(t Transport, peers PeerFactory, presenter Presenter, board Board, opts Options) *Engine {
	if presenter == nil {
		presenter = NopPresenter{}
	}
	if board == nil {
		board = NopBoard{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Engine{
		transport: t,
		peers:     peers,
		presenter: presenter,
		board:     board,
		timeout:   opts.Timeout,
		onError:   opts.OnRelayError,
		remotes:   make(map[domain.ParticipantID]domain.Participant),
		sessions:  make(map[Key]*session),
		welcome:   make(chan struct{}),
	}
}

// Self is empty until the relay's welcome arrives.
func (e *Engine) Self() domain.ParticipantID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self
}

// Welcomed is closed once the participant id is known.
func (e *Engine) Welcomed() <-chan struct{} {
	return e.welcome
}

func (e *Engine) Joined() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.joined
}

// SessionState reports the state of a live session.
func (e *Engine) SessionState(key Key) (State, bool) {
	e.mu.Lock()
	s, ok := e.sessions[key]
	e.mu.Unlock()
	if !ok {
		return StateClosed, false
	}
	return s.State(), true
}

// Sessions lists the keys of live sessions.
func (e *Engine) Sessions() []Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Key, 0, len(e.sessions))
	for k := range e.sessions {
		out = append(out, k)
	}
	return out
}

func (e *Engine) Join(room domain.RoomKey, displayName string, status domain.MediaStatus) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()
	return e.send(protocol.Join{
		Type:        protocol.TypeJoin,
		RoomKey:     string(room),
		DisplayName: displayName,
		Status:      &status,
	})
}

// Leave closes every session, waits until their media peers are released
// and then leaves the room. The relay channel stays up. Must not be called
// from a Presenter or Board callback.
func (e *Engine) Leave() error {
	e.mu.Lock()
	e.joined = false
	e.sharing = false
	e.remotes = make(map[domain.ParticipantID]domain.Participant)
	sessions := e.takeSessionsLocked(func(Key) bool { return true })
	e.mu.Unlock()

	closeAndWait(sessions)
	return e.send(protocol.Leave{Type: protocol.TypeLeave})
}

func closeAndWait(sessions []*session) {
	for _, s := range sessions {
		s.post(event{kind: evClose})
	}
	for _, s := range sessions {
		<-s.done
	}
}

func (e *Engine) SetStatus(status domain.MediaStatus) error {
	if !e.Joined() {
		return ErrNotJoined
	}
	return e.send(protocol.StatusChange{Type: protocol.TypeStatusChange, Status: status})
}

// StartScreenShare offers the local screen to every known remote. Remotes
// that join later get an offer when their camera offer arrives.
func (e *Engine) StartScreenShare() error {
	e.mu.Lock()
	if !e.joined {
		e.mu.Unlock()
		return ErrNotJoined
	}
	e.sharing = true
	ids := make([]domain.ParticipantID, 0, len(e.remotes))
	for id := range e.remotes {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.offerScreen(id)
	}
	return nil
}

func (e *Engine) StopScreenShare() error {
	e.mu.Lock()
	if !e.sharing {
		e.mu.Unlock()
		return nil
	}
	e.sharing = false
	sessions := e.takeSessionsLocked(func(k Key) bool { return k.Kind == domain.StreamScreen && k.Outbound })
	e.mu.Unlock()

	closeAndWait(sessions)
	return e.send(protocol.StreamStopped{Type: protocol.TypeStreamStopped, StreamKind: domain.StreamScreen})
}

// Draw renders ev locally and shares it with the room.
func (e *Engine) Draw(ev domain.DrawEvent) error {
	ev, err := ev.Normalize()
	if err != nil {
		return err
	}
	e.board.Draw(ev)
	return e.send(protocol.Draw{Type: protocol.TypeDraw, DrawEvent: ev})
}

func (e *Engine) ClearBoard() error {
	e.board.Clear()
	return e.send(protocol.Envelope{Type: protocol.TypeClear})
}

func (e *Engine) SetSlide(imageRef string) error {
	e.board.Slide(imageRef)
	return e.send(protocol.SlideChange{Type: protocol.TypeSlideChange, ImageRef: imageRef})
}

func (e *Engine) RequestHistory() error {
	return e.send(protocol.Envelope{Type: protocol.TypeRequestHistory})
}

// Close tears down every session and waits for their goroutines.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.wg.Wait()
		return
	}
	e.closed = true
	e.joined = false
	sessions := e.takeSessionsLocked(func(Key) bool { return true })
	e.mu.Unlock()

	for _, s := range sessions {
		s.post(event{kind: evClose})
	}
	e.wg.Wait()
	log.Info().Str("module", "negotiation").Msg("engine closed")
}

// HandleFrame consumes one message from the relay. Frames must be passed in
// arrival order from a single goroutine.
func (e *Engine) HandleFrame(f core.Frame) {
	typ, err := protocol.PeekType(f)
	if err != nil {
		log.Warn().Err(err).Str("module", "negotiation").Msg("bad frame from relay")
		return
	}

	switch typ {
	case protocol.TypeWelcome:
		var p protocol.Welcome
		if decode(f, &p) {
			e.onWelcome(p.ParticipantID)
		}
	case protocol.TypeSnapshot:
		var p protocol.Snapshot
		if decode(f, &p) {
			e.onSnapshot(p.Participants)
		}
	case protocol.TypeOffer, protocol.TypeAnswer:
		var p protocol.Setup
		if decode(f, &p) {
			e.onSetup(typ, p)
		}
	case protocol.TypeCandidate:
		var p protocol.Candidate
		if decode(f, &p) {
			e.onCandidate(p)
		}
	case protocol.TypeStatusChange:
		var p protocol.StatusChange
		if decode(f, &p) {
			e.onStatus(p.ParticipantID, p.Status)
		}
	case protocol.TypeStreamStopped:
		var p protocol.StreamStopped
		if decode(f, &p) {
			e.onStreamStopped(p.ParticipantID, p.StreamKind)
		}
	case protocol.TypeLeave:
		var p protocol.Leave
		if decode(f, &p) {
			e.onRemoteLeft(p.ParticipantID)
		}
	case protocol.TypeDraw:
		var p protocol.Draw
		if decode(f, &p) {
			e.board.Draw(p.DrawEvent)
		}
	case protocol.TypeClear:
		e.board.Clear()
	case protocol.TypeHistory:
		var p protocol.History
		if decode(f, &p) {
			e.board.Replay(p.Events)
		}
	case protocol.TypeSlideChange:
		var p protocol.SlideChange
		if decode(f, &p) {
			e.board.Slide(p.ImageRef)
		}
	case protocol.TypePong:
	case protocol.TypeError:
		var p protocol.Error
		if decode(f, &p) {
			log.Warn().Str("module", "negotiation").Str("code", p.Error).Msg("relay error")
			if e.onError != nil {
				e.onError(p.Error)
			}
		}
	default:
		log.Warn().Str("module", "negotiation").Str("type", string(typ)).Msg("unknown message from relay")
	}
}

func decode(f core.Frame, v any) bool {
	if err := protocol.Decode(f, v); err != nil {
		log.Warn().Err(err).Str("module", "negotiation").Msg("bad payload from relay")
		return false
	}
	return true
}

func (e *Engine) onWelcome(id domain.ParticipantID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.self != "" {
		return
	}
	e.self = id
	close(e.welcome)
	log.Info().Str("module", "negotiation").Str("pid", string(id)).Msg("welcome")
}

// onSnapshot makes the joiner the camera offerer towards every member.
// Members that already have a session are skipped, so a repeated snapshot
// changes nothing.
func (e *Engine) onSnapshot(members []domain.Participant) {
	e.mu.Lock()
	e.joined = true
	sharing := e.sharing
	for _, p := range members {
		e.remotes[p.ID] = p
	}
	e.mu.Unlock()

	for _, p := range members {
		if s, created := e.openSession(cameraKey(p.ID), true); created {
			s.post(event{kind: evOffer})
		}
		if sharing {
			e.offerScreen(p.ID)
		}
	}
}

func (e *Engine) onSetup(typ protocol.Type, p protocol.Setup) {
	kind, err := domain.ParseStreamKind(string(p.StreamKind))
	if err != nil || p.SenderID == "" {
		log.Warn().Str("module", "negotiation").Str("sender", string(p.SenderID)).Msg("setup dropped")
		return
	}

	if typ == protocol.TypeAnswer {
		s, ok := e.lookup(keyFor(p.SenderID, kind, false))
		if !ok {
			log.Warn().Str("module", "negotiation").Str("sender", string(p.SenderID)).Msg("answer for unknown session")
			return
		}
		s.post(event{kind: evRemoteAnswer, sdp: p.SDP})
		return
	}

	if !e.Joined() {
		log.Debug().Str("module", "negotiation").Str("sender", string(p.SenderID)).Msg("offer while not joined dropped")
		return
	}
	e.rememberRemote(p)
	s, created := e.openSession(keyFor(p.SenderID, kind, true), false)
	if s == nil {
		return
	}
	s.post(event{kind: evRemoteOffer, sdp: p.SDP})

	if created && kind == domain.StreamCamera && e.isSharing() {
		e.offerScreen(p.SenderID)
	}
}

func (e *Engine) rememberRemote(p protocol.Setup) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.remotes[p.SenderID]
	if !ok {
		r = domain.Participant{ID: p.SenderID, DisplayName: domain.DefaultDisplayName, Status: domain.DefaultMediaStatus()}
	}
	if p.DisplayName != "" {
		r.DisplayName = p.DisplayName
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	e.remotes[p.SenderID] = r
}

func (e *Engine) onCandidate(p protocol.Candidate) {
	kind, err := domain.ParseStreamKind(string(p.StreamKind))
	if err != nil || p.SenderID == "" {
		return
	}
	s, ok := e.lookup(keyFor(p.SenderID, kind, p.Offerer))
	if !ok {
		log.Debug().Str("module", "negotiation").Str("sender", string(p.SenderID)).Msg("candidate for unknown session dropped")
		return
	}
	s.post(event{kind: evRemoteCandidate, cand: p.Candidate})
}

func (e *Engine) onStatus(id domain.ParticipantID, status domain.MediaStatus) {
	e.mu.Lock()
	if r, ok := e.remotes[id]; ok {
		r.Status = status
		e.remotes[id] = r
	}
	e.mu.Unlock()
	e.presenter.StatusChanged(id, status)
}

func (e *Engine) onStreamStopped(id domain.ParticipantID, kind domain.StreamKind) {
	s, ok := e.lookup(keyFor(id, kind, true))
	if !ok {
		return
	}
	s.post(event{kind: evClose})
}

func (e *Engine) onRemoteLeft(id domain.ParticipantID) {
	e.mu.Lock()
	delete(e.remotes, id)
	sessions := e.takeSessionsLocked(func(k Key) bool { return k.Remote == id })
	e.mu.Unlock()

	for _, s := range sessions {
		s.post(event{kind: evClose})
	}
	log.Info().Str("module", "negotiation").Str("remote", string(id)).Msg("remote left")
}

func (e *Engine) offerScreen(id domain.ParticipantID) {
	if s, created := e.openSession(screenKey(id, true), true); created {
		s.post(event{kind: evOffer})
	}
}

func (e *Engine) isSharing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sharing
}

// openSession returns the session for key, creating it when absent.
// It returns nil when the engine is closed or not joined, or when the peer
// cannot be built.
func (e *Engine) openSession(key Key, offerer bool) (*session, bool) {
	e.mu.Lock()
	if e.closed || !e.joined {
		e.mu.Unlock()
		return nil, false
	}
	if s, ok := e.sessions[key]; ok {
		e.mu.Unlock()
		return s, false
	}
	peer, err := e.peers.NewPeer(key)
	if err != nil {
		e.mu.Unlock()
		log.Error().Err(err).Str("module", "negotiation").Str("remote", string(key.Remote)).Msg("new peer")
		e.presenter.Unreachable(key.Remote, key.Kind)
		return nil, false
	}
	s := newSession(e, key, offerer, peer, e.timeout)
	e.sessions[key] = s
	e.wg.Add(1)
	e.mu.Unlock()

	go s.run()
	return s, true
}

func (e *Engine) lookup(key Key) (*session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[key]
	return s, ok
}

// takeSessionsLocked removes and returns matching sessions.
func (e *Engine) takeSessionsLocked(match func(Key) bool) []*session {
	var out []*session
	for k, s := range e.sessions {
		if match(k) {
			out = append(out, s)
			delete(e.sessions, k)
		}
	}
	return out
}

func (e *Engine) forget(s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.sessions[s.key]; ok && cur == s {
		delete(e.sessions, s.key)
	}
}

// participant returns what is known about a remote, with defaults.
func (e *Engine) participant(id domain.ParticipantID) domain.Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.remotes[id]; ok {
		return p
	}
	return domain.Participant{ID: id, DisplayName: domain.DefaultDisplayName, Status: domain.DefaultMediaStatus()}
}

func (e *Engine) sendSetup(offer bool, key Key, sdp string) {
	typ := protocol.TypeAnswer
	if offer {
		typ = protocol.TypeOffer
	}
	_ = e.send(protocol.Setup{Type: typ, TargetID: key.Remote, StreamKind: key.Kind, SDP: sdp})
}

func (e *Engine) sendCandidate(key Key, offerer bool, c webrtc.ICECandidateInit) {
	_ = e.send(protocol.Candidate{
		Type:       protocol.TypeCandidate,
		TargetID:   key.Remote,
		StreamKind: key.Kind,
		Offerer:    offerer,
		Candidate:  c,
	})
}

func (e *Engine) send(v any) error {
	b, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	if err := e.transport.Send(b); err != nil {
		log.Warn().Err(err).Str("module", "negotiation").Msg("send to relay")
		return err
	}
	return nil
}
