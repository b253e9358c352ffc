package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type fakePeer struct {
	key Key

	mu          sync.Mutex
	ops         []string
	onCand      func(webrtc.ICECandidateInit)
	onState     func(PeerState)
	localCands  []string
	autoConnect bool
	remoteSet   bool
	remoteCands int
	connected   bool
	closed      bool
	failOffer   bool
	closeDelay  time.Duration
}

func (p *fakePeer) record(op string) {
	p.ops = append(p.ops, op)
}

func (p *fakePeer) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.ops)
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// emitLocal trickles local candidates from another goroutine, the way a
// real ICE agent does.
func (p *fakePeer) emitLocal() {
	cands := slices.Clone(p.localCands)
	fn := p.onCand
	if len(cands) == 0 || fn == nil {
		return
	}
	go func() {
		for _, c := range cands {
			fn(webrtc.ICECandidateInit{Candidate: c})
		}
	}()
}

func (p *fakePeer) maybeConnectLocked() {
	if !p.autoConnect || p.connected || !p.remoteSet || p.remoteCands == 0 {
		return
	}
	p.connected = true
	fn := p.onState
	go fn(PeerConnected)
}

func (p *fakePeer) CreateOffer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOffer {
		return "", errors.New("no codecs")
	}
	p.record("local:offer")
	p.emitLocal()
	return fmt.Sprintf("offer-sdp:%s", p.key.Kind), nil
}

func (p *fakePeer) AcceptOffer(sdp string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("remote:offer")
	p.remoteSet = true
	p.emitLocal()
	p.maybeConnectLocked()
	return "answer-sdp:" + sdp, nil
}

func (p *fakePeer) ApplyAnswer(string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("remote:answer")
	p.remoteSet = true
	p.maybeConnectLocked()
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("cand:" + c.Candidate)
	p.remoteCands++
	p.maybeConnectLocked()
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCand = fn
}

func (p *fakePeer) OnStateChange(fn func(PeerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// fire simulates a connection state change reported by the media stack.
func (p *fakePeer) fire(s PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePeer) Close() error {
	time.Sleep(p.closeDelay)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.record("close")
	return nil
}

type fakeFactory struct {
	mu          sync.Mutex
	peers       map[Key][]*fakePeer
	localCands  []string
	autoConnect bool
	failOffer   bool
	closeDelay  time.Duration
	err         error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{peers: make(map[Key][]*fakePeer)}
}

func (f *fakeFactory) NewPeer(key Key) (MediaPeer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{
		key:         key,
		localCands:  f.localCands,
		autoConnect: f.autoConnect,
		failOffer:   f.failOffer,
		closeDelay:  f.closeDelay,
	}
	f.peers[key] = append(f.peers[key], p)
	return p, nil
}

// peer returns the latest peer built for key.
func (f *fakeFactory) peer(key Key) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.peers[key]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

func (f *fakeFactory) all() []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakePeer
	for _, ps := range f.peers {
		out = append(out, ps...)
	}
	return out
}

type recordingTransport struct {
	mu     sync.Mutex
	frames []core.Frame
	// onSend runs before the frame is recorded.
	onSend func(core.Frame)
}

func (t *recordingTransport) Send(f core.Frame) error {
	if t.onSend != nil {
		t.onSend(f)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, f)
	return nil
}

func (t *recordingTransport) ofType(typ protocol.Type) []core.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []core.Frame
	for _, f := range t.frames {
		if got, _ := protocol.PeekType(f); got == typ {
			out = append(out, f)
		}
	}
	return out
}

type recordingPresenter struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPresenter) add(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, s)
}

func (p *recordingPresenter) StreamAdded(remote domain.Participant, kind domain.StreamKind) {
	p.add(fmt.Sprintf("added:%s:%s:%s", remote.ID, kind, remote.DisplayName))
}

func (p *recordingPresenter) StreamRemoved(id domain.ParticipantID, kind domain.StreamKind) {
	p.add(fmt.Sprintf("removed:%s:%s", id, kind))
}

func (p *recordingPresenter) StatusChanged(id domain.ParticipantID, s domain.MediaStatus) {
	p.add(fmt.Sprintf("status:%s:%t:%t", id, s.Audio, s.Video))
}

func (p *recordingPresenter) Unreachable(id domain.ParticipantID, kind domain.StreamKind) {
	p.add(fmt.Sprintf("unreachable:%s:%s", id, kind))
}

func (p *recordingPresenter) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.events)
}

func (p *recordingPresenter) Has(s string) bool {
	return slices.Contains(p.Events(), s)
}

type recordingBoard struct {
	mu    sync.Mutex
	ops   []string
	slide string
}

func (b *recordingBoard) Draw(ev domain.DrawEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, fmt.Sprintf("draw:%s", ev.Color))
}

func (b *recordingBoard) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, "clear")
}

func (b *recordingBoard) Replay(evs []domain.DrawEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, fmt.Sprintf("replay:%d", len(evs)))
}

func (b *recordingBoard) Slide(ref string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slide = ref
	b.ops = append(b.ops, "slide:"+ref)
}

func (b *recordingBoard) Ops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.ops)
}

func frame(v any) core.Frame {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
