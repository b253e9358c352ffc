package relay

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meshroom/internal/app"
	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/events"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnectionClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// take returns and forgets everything received so far.
func (c *fakeConn) take() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.frames
	c.frames = nil
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

type harness struct {
	t     *testing.T
	relay *Relay
	sink  *recordingSink
	conns map[domain.ParticipantID]*fakeConn
}

func newHarness(t *testing.T, maxRoomSize int) *harness {
	sink := &recordingSink{}
	return &harness{
		t: t,
		relay: &Relay{
			Registry: app.NewRegistry(maxRoomSize),
			Conns:    app.NewConns(),
			Policy:   app.SimplePolicy{},
			Events:   sink,
		},
		sink:  sink,
		conns: make(map[domain.ParticipantID]*fakeConn),
	}
}

func (h *harness) connect(id domain.ParticipantID) *fakeConn {
	c := &fakeConn{}
	h.conns[id] = c
	h.relay.Connect(id, c, c.Close)
	return c
}

func (h *harness) send(id domain.ParticipantID, v any) {
	b, err := json.Marshal(v)
	require.NoError(h.t, err)
	h.relay.OnFrame(id, b)
}

func (h *harness) join(id domain.ParticipantID, room string) {
	h.send(id, protocol.Join{Type: protocol.TypeJoin, RoomKey: room, DisplayName: "name-" + string(id)})
}

func types(t *testing.T, frames []core.Frame) []protocol.Type {
	out := make([]protocol.Type, 0, len(frames))
	for _, f := range frames {
		typ, err := protocol.PeekType(f)
		require.NoError(t, err)
		out = append(out, typ)
	}
	return out
}

func decode[T any](t *testing.T, f core.Frame) T {
	var v T
	require.NoError(t, json.Unmarshal(f, &v))
	return v
}

func TestRelay_WelcomeOnConnect(t *testing.T) {
	h := newHarness(t, 0)
	c := h.connect("a")

	frames := c.take()
	require.Len(t, frames, 1)
	w := decode[protocol.Welcome](t, frames[0])
	assert.Equal(t, protocol.TypeWelcome, w.Type)
	assert.Equal(t, domain.ParticipantID("a"), w.ParticipantID)
}

func TestRelay_JoinSendsSnapshotOfOthers(t *testing.T) {
	h := newHarness(t, 0)
	a, b, x := h.connect("a"), h.connect("b"), h.connect("x")
	h.join("a", "course-1")
	h.join("b", "course-1")
	a.take()
	b.take()
	x.take()

	h.join("x", "course-1")

	frames := x.take()
	require.Equal(t, []protocol.Type{protocol.TypeSnapshot}, types(t, frames))
	snap := decode[protocol.Snapshot](t, frames[0])
	require.Len(t, snap.Participants, 2)
	assert.Equal(t, domain.ParticipantID("a"), snap.Participants[0].ID)
	assert.Equal(t, "name-a", snap.Participants[0].DisplayName)
	assert.Equal(t, domain.DefaultMediaStatus(), snap.Participants[0].Status)
	assert.Equal(t, domain.ParticipantID("b"), snap.Participants[1].ID)

	assert.Empty(t, a.take(), "existing members learn about the joiner from its offers")
	assert.Empty(t, b.take())
}

func TestRelay_DuplicateJoinPublishesOnce(t *testing.T) {
	h := newHarness(t, 0)
	a := h.connect("a")
	h.join("a", "k")
	h.join("a", "k")

	assert.Equal(t, []protocol.Type{protocol.TypeWelcome, protocol.TypeSnapshot, protocol.TypeSnapshot}, types(t, a.take()))
	require.Len(t, h.sink.events, 1)
	assert.Equal(t, events.Joined, h.sink.events[0].Kind)
	assert.Len(t, h.relay.Registry.Members("k"), 1)
}

func TestRelay_JoinErrors(t *testing.T) {
	h := newHarness(t, 1)
	a := h.connect("a")
	b := h.connect("b")
	h.join("a", "k")
	a.take()
	b.take()

	h.relay.OnFrame("b", core.Frame(`{"type":"join","roomKey":5}`))
	h.send("b", protocol.Join{Type: protocol.TypeJoin, RoomKey: "   "})
	h.send("b", protocol.Join{Type: protocol.TypeJoin, RoomKey: "k", DisplayName: strings.Repeat("n", 40)})
	h.join("b", "k")

	var codes []string
	for _, f := range b.take() {
		codes = append(codes, decode[protocol.Error](t, f).Error)
	}
	assert.Equal(t, []string{
		protocol.ErrCodeBadPayload,
		protocol.ErrCodeInvalidRoom,
		protocol.ErrCodeInvalidName,
		protocol.ErrCodeRoomFull,
	}, codes)
	assert.Empty(t, a.take())
}

func TestRelay_EmptyNameBecomesAnonymous(t *testing.T) {
	h := newHarness(t, 0)
	h.connect("a")
	h.send("a", protocol.Join{Type: protocol.TypeJoin, RoomKey: "k", DisplayName: "  "})

	p, _, ok := h.relay.Registry.Participant("a")
	require.True(t, ok)
	assert.Equal(t, domain.DefaultDisplayName, p.DisplayName)
}

func TestRelay_OfferIsStampedAndEnriched(t *testing.T) {
	h := newHarness(t, 0)
	a, x := h.connect("a"), h.connect("x")
	h.join("a", "k")
	h.send("x", protocol.Join{
		Type: protocol.TypeJoin, RoomKey: "k", DisplayName: "Xena",
		Status: &domain.MediaStatus{Audio: true, Video: false},
	})
	a.take()
	x.take()

	h.send("x", protocol.Setup{
		Type: protocol.TypeOffer, TargetID: "a", SenderID: "forged",
		StreamKind: domain.StreamCamera, SDP: "v=0 offer",
	})

	frames := a.take()
	require.Len(t, frames, 1)
	offer := decode[protocol.Setup](t, frames[0])
	assert.Equal(t, protocol.TypeOffer, offer.Type)
	assert.Equal(t, domain.ParticipantID("x"), offer.SenderID)
	assert.Equal(t, "Xena", offer.DisplayName)
	require.NotNil(t, offer.Status)
	assert.False(t, offer.Status.Video)
	assert.Equal(t, "v=0 offer", offer.SDP)
	assert.Empty(t, x.take())

	h.send("a", protocol.Setup{Type: protocol.TypeAnswer, TargetID: "x", StreamKind: domain.StreamCamera, SDP: "v=0 answer"})
	frames = x.take()
	require.Len(t, frames, 1)
	answer := decode[protocol.Setup](t, frames[0])
	assert.Equal(t, protocol.TypeAnswer, answer.Type)
	assert.Equal(t, domain.ParticipantID("a"), answer.SenderID)
	assert.Empty(t, answer.DisplayName)
	assert.Nil(t, answer.Status)
}

func TestRelay_CandidateRouting(t *testing.T) {
	h := newHarness(t, 0)
	a, b, x := h.connect("a"), h.connect("b"), h.connect("x")
	h.join("a", "k")
	h.join("b", "k")
	h.join("x", "other")
	a.take()
	b.take()
	x.take()

	mid := "0"
	cand := protocol.Candidate{
		Type: protocol.TypeCandidate, TargetID: "b", StreamKind: domain.StreamScreen, Offerer: true,
	}
	cand.Candidate.Candidate = "candidate:1 1 udp 1 10.0.0.1 5000 typ host"
	cand.Candidate.SDPMid = &mid
	h.send("a", cand)

	frames := b.take()
	require.Len(t, frames, 1)
	got := decode[protocol.Candidate](t, frames[0])
	assert.Equal(t, domain.ParticipantID("a"), got.SenderID)
	assert.True(t, got.Offerer)
	assert.Equal(t, domain.StreamScreen, got.StreamKind)
	require.NotNil(t, got.Candidate.SDPMid)
	assert.Equal(t, "0", *got.Candidate.SDPMid)
	assert.Empty(t, a.take())

	cand.TargetID = "x"
	h.send("a", cand)
	assert.Empty(t, x.take(), "target in another room is silently dropped")

	cand.TargetID = "b"
	cand.StreamKind = "hologram"
	h.send("a", cand)
	assert.Empty(t, b.take(), "unknown stream kind is dropped")
}

func TestRelay_SignalBeforeJoinIsRejected(t *testing.T) {
	h := newHarness(t, 0)
	a, b := h.connect("a"), h.connect("b")
	h.join("b", "k")
	a.take()
	b.take()

	h.send("a", protocol.Setup{Type: protocol.TypeOffer, TargetID: "b", StreamKind: domain.StreamCamera, SDP: "x"})

	frames := a.take()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.ErrCodeNotJoined, decode[protocol.Error](t, frames[0]).Error)
	assert.Empty(t, b.take())
}

func TestRelay_StatusUsesSenderID(t *testing.T) {
	h := newHarness(t, 0)
	a, b := h.connect("a"), h.connect("b")
	h.join("a", "k")
	h.join("b", "k")
	a.take()
	b.take()

	h.send("a", protocol.StatusChange{Type: protocol.TypeStatusChange, ParticipantID: "b", Status: domain.MediaStatus{Audio: false, Video: true}})

	frames := b.take()
	require.Len(t, frames, 1)
	sc := decode[protocol.StatusChange](t, frames[0])
	assert.Equal(t, domain.ParticipantID("a"), sc.ParticipantID)
	assert.False(t, sc.Status.Audio)
	assert.Empty(t, a.take())

	pa, _, _ := h.relay.Registry.Participant("a")
	assert.False(t, pa.Status.Audio)
	pb, _, _ := h.relay.Registry.Participant("b")
	assert.True(t, pb.Status.Audio, "another participant's status is never mutated")
}

func TestRelay_StreamStoppedBroadcast(t *testing.T) {
	h := newHarness(t, 0)
	a, b, c := h.connect("a"), h.connect("b"), h.connect("c")
	for _, id := range []domain.ParticipantID{"a", "b", "c"} {
		h.join(id, "k")
	}
	a.take()
	b.take()
	c.take()

	h.send("a", protocol.StreamStopped{Type: protocol.TypeStreamStopped, StreamKind: domain.StreamScreen})

	for _, conn := range []*fakeConn{b, c} {
		frames := conn.take()
		require.Len(t, frames, 1)
		ss := decode[protocol.StreamStopped](t, frames[0])
		assert.Equal(t, domain.ParticipantID("a"), ss.ParticipantID)
		assert.Equal(t, domain.StreamScreen, ss.StreamKind)
	}
	assert.Empty(t, a.take())
}

func TestRelay_WhiteboardLogAndLateJoinReplay(t *testing.T) {
	h := newHarness(t, 0)
	a, b := h.connect("a"), h.connect("b")
	h.join("a", "k")
	h.join("b", "k")
	a.take()
	b.take()

	h.send("a", protocol.Draw{Type: protocol.TypeDraw, DrawEvent: domain.DrawEvent{X0: 1, Y0: 1, X1: 9, Y1: 9, Color: "#ff0000", Width: 2}})
	h.send("a", protocol.Envelope{Type: protocol.TypeClear})
	h.send("b", protocol.Draw{Type: protocol.TypeDraw, DrawEvent: domain.DrawEvent{X0: 2, Y0: 2, X1: 4, Y1: 4, Color: "#00f"}})
	h.send("b", protocol.Draw{Type: protocol.TypeDraw, DrawEvent: domain.DrawEvent{X0: 1, Color: "blue", Width: 2}})
	h.send("a", protocol.SlideChange{Type: protocol.TypeSlideChange, ImageRef: "slides/3.png"})

	assert.Equal(t, []protocol.Type{protocol.TypeDraw, protocol.TypeClear, protocol.TypeSlideChange}, types(t, b.take()))
	assert.Equal(t, []protocol.Type{protocol.TypeDraw}, types(t, a.take()), "invalid color is dropped")

	late := h.connect("late")
	late.take()
	h.join("late", "k")

	frames := late.take()
	require.Equal(t, []protocol.Type{protocol.TypeSnapshot, protocol.TypeHistory, protocol.TypeSlideChange}, types(t, frames))
	hist := decode[protocol.History](t, frames[1])
	require.Len(t, hist.Events, 1)
	assert.Equal(t, "#00f", hist.Events[0].Color)
	assert.Equal(t, float64(domain.DefaultStrokeWidth), hist.Events[0].Width)
	assert.Equal(t, "slides/3.png", decode[protocol.SlideChange](t, frames[2]).ImageRef)

	h.send("late", protocol.Envelope{Type: protocol.TypeRequestHistory})
	assert.Equal(t, []protocol.Type{protocol.TypeHistory, protocol.TypeSlideChange}, types(t, late.take()))
}

func TestRelay_RequestHistoryOnEmptyBoard(t *testing.T) {
	h := newHarness(t, 0)
	a := h.connect("a")
	h.join("a", "k")
	a.take()

	h.send("a", protocol.Envelope{Type: protocol.TypeRequestHistory})
	frames := a.take()
	require.Len(t, frames, 1)
	hist := decode[protocol.History](t, frames[0])
	assert.NotNil(t, hist.Events)
	assert.Empty(t, hist.Events)
}

func TestRelay_LeaveStopsDelivery(t *testing.T) {
	h := newHarness(t, 0)
	a, b, c := h.connect("a"), h.connect("b"), h.connect("c")
	for _, id := range []domain.ParticipantID{"a", "b", "c"} {
		h.join(id, "k")
	}
	a.take()
	b.take()
	c.take()

	h.send("c", protocol.Envelope{Type: protocol.TypeLeave})

	for _, conn := range []*fakeConn{a, b} {
		frames := conn.take()
		require.Len(t, frames, 1)
		l := decode[protocol.Leave](t, frames[0])
		assert.Equal(t, protocol.TypeLeave, l.Type)
		assert.Equal(t, domain.ParticipantID("c"), l.ParticipantID)
	}

	h.send("a", protocol.Draw{Type: protocol.TypeDraw, DrawEvent: domain.DrawEvent{X1: 3, Color: "#000"}})
	h.send("a", protocol.Setup{Type: protocol.TypeOffer, TargetID: "c", StreamKind: domain.StreamCamera, SDP: "x"})
	assert.Empty(t, c.take(), "no messages reach a participant after it left")

	_, ok := h.relay.Conns.Get("c")
	assert.True(t, ok, "explicit leave keeps the channel")

	h.send("c", protocol.Envelope{Type: protocol.TypePing})
	assert.Equal(t, []protocol.Type{protocol.TypePong}, types(t, c.take()))
}

func TestRelay_DisconnectIsImplicitLeave(t *testing.T) {
	h := newHarness(t, 0)
	a, b := h.connect("a"), h.connect("b")
	h.join("a", "k")
	h.join("b", "k")
	a.take()
	b.take()

	h.relay.Disconnect("b")
	h.relay.Disconnect("b")

	frames := a.take()
	require.Len(t, frames, 1)
	assert.Equal(t, domain.ParticipantID("b"), decode[protocol.Leave](t, frames[0]).ParticipantID)
	_, ok := h.relay.Conns.Get("b")
	assert.False(t, ok)

	require.Len(t, h.sink.events, 3)
	assert.Equal(t, events.Left, h.sink.events[2].Kind)
	assert.Equal(t, domain.ParticipantID("b"), h.sink.events[2].ParticipantID)
}

func TestRelay_SwitchingRoomsLeavesThePreviousOne(t *testing.T) {
	h := newHarness(t, 0)
	a, b := h.connect("a"), h.connect("b")
	h.join("a", "one")
	h.join("b", "one")
	a.take()
	b.take()

	h.join("b", "two")

	frames := a.take()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeLeave, decode[protocol.Leave](t, frames[0]).Type)
	key, _ := h.relay.Registry.RoomOf("b")
	assert.Equal(t, domain.RoomKey("two"), key)
}

func TestRelay_SlowReceiverIsKicked(t *testing.T) {
	h := newHarness(t, 0)
	a, b, c := h.connect("a"), h.connect("b"), h.connect("c")
	for _, id := range []domain.ParticipantID{"a", "b", "c"} {
		h.join(id, "k")
	}
	a.take()
	b.take()
	c.take()

	b.mu.Lock()
	b.full = true
	b.mu.Unlock()

	h.send("a", protocol.Draw{Type: protocol.TypeDraw, DrawEvent: domain.DrawEvent{X1: 3, Color: "#000"}})

	assert.True(t, b.closed)
	_, ok := h.relay.Registry.RoomOf("b")
	assert.False(t, ok)
	assert.Equal(t, []protocol.Type{protocol.TypeLeave}, types(t, a.take()))
	assert.ElementsMatch(t, []protocol.Type{protocol.TypeDraw, protocol.TypeLeave}, types(t, c.take()))
}

func TestRelay_DropPolicyKeepsReceiver(t *testing.T) {
	h := newHarness(t, 0)
	h.relay.Policy = app.DropPolicy{}
	a, b := h.connect("a"), h.connect("b")
	h.join("a", "k")
	h.join("b", "k")
	a.take()
	b.take()
	b.full = true

	h.send("a", protocol.Envelope{Type: protocol.TypeClear})

	_, ok := h.relay.Registry.RoomOf("b")
	assert.True(t, ok)
	assert.False(t, b.closed)
}

func TestRelay_MalformedFramesAreIgnored(t *testing.T) {
	h := newHarness(t, 0)
	a := h.connect("a")
	h.join("a", "k")
	a.take()

	assert.NotPanics(t, func() {
		h.relay.OnFrame("a", core.Frame(`not json`))
		h.relay.OnFrame("a", core.Frame(`{}`))
		h.relay.OnFrame("a", core.Frame(`{"type":"teleport"}`))
		h.relay.OnFrame("a", core.Frame(`{"type":"draw","x0":"left"}`))
		h.relay.OnFrame("a", core.Frame(`{"type":"setup-offer","targetId":7}`))
	})
	assert.Empty(t, a.take())
}

type denyAll struct{}

func (denyAll) Allow(domain.ParticipantID) bool { return false }

func TestRelay_JoinRateLimited(t *testing.T) {
	h := newHarness(t, 0)
	h.relay.Limiter = denyAll{}
	a := h.connect("a")
	a.take()

	h.join("a", "k")

	frames := a.take()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.ErrCodeRateLimited, decode[protocol.Error](t, frames[0]).Error)
	_, ok := h.relay.Registry.RoomOf("a")
	assert.False(t, ok)
}

func TestRelay_PingAnsweredWithoutJoin(t *testing.T) {
	h := newHarness(t, 0)
	c := h.connect("a")
	c.take()

	h.send("a", protocol.Envelope{Type: protocol.TypePing})
	assert.Equal(t, []protocol.Type{protocol.TypePong}, types(t, c.take()))
}

// gateConn holds the first frame of one type inside TrySend until opened.
type gateConn struct {
	fakeConn
	hold    protocol.Type
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGateConn(hold protocol.Type) *gateConn {
	return &gateConn{hold: hold, entered: make(chan struct{}), gate: make(chan struct{})}
}

func (c *gateConn) TrySend(f core.Frame) error {
	if typ, _ := protocol.PeekType(f); typ == c.hold {
		c.once.Do(func() {
			close(c.entered)
			<-c.gate
		})
	}
	return c.fakeConn.TrySend(f)
}

func (h *harness) connectConn(id domain.ParticipantID, c core.SignalConnection) {
	h.relay.Connect(id, c, c.Close)
}

func TestRelay_LiveBoardOrderMatchesLog(t *testing.T) {
	h := newHarness(t, 0)
	a, b := h.connect("a"), h.connect("b")
	obs := newGateConn(protocol.TypeDraw)
	h.connectConn("o", obs)
	h.join("a", "k")
	h.join("b", "k")
	h.join("o", "k")
	obs.take()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.send("a", protocol.Draw{Type: protocol.TypeDraw, DrawEvent: domain.DrawEvent{X1: 10, Y1: 10, Color: "#f00"}})
	}()
	<-obs.entered
	go func() {
		defer wg.Done()
		h.send("b", protocol.Envelope{Type: protocol.TypeClear})
	}()
	time.Sleep(50 * time.Millisecond)
	close(obs.gate)
	wg.Wait()

	live := types(t, obs.take())
	require.Equal(t, []protocol.Type{protocol.TypeDraw, protocol.TypeClear}, live)
	evs, _, err := h.relay.Registry.History("k")
	require.NoError(t, err)
	assert.Empty(t, evs, "log must agree with the last live clear")
	a.take()
	b.take()
}

func TestRelay_SnapshotNeverFollowsLeaveOfListedMember(t *testing.T) {
	h := newHarness(t, 0)
	h.connect("a")
	h.connect("c")
	h.join("a", "k")
	h.join("c", "k")
	b := newGateConn(protocol.TypeSnapshot)
	h.connectConn("b", b)
	b.take()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.join("b", "k")
	}()
	<-b.entered
	go func() {
		defer wg.Done()
		h.relay.Disconnect("c")
	}()
	time.Sleep(50 * time.Millisecond)
	close(b.gate)
	wg.Wait()

	frames := b.take()
	require.Equal(t, []protocol.Type{protocol.TypeSnapshot, protocol.TypeLeave}, types(t, frames))
	snap := decode[protocol.Snapshot](t, frames[0])
	require.Len(t, snap.Participants, 2)
	assert.Equal(t, domain.ParticipantID("c"), snap.Participants[1].ID)
	assert.Equal(t, domain.ParticipantID("c"), decode[protocol.Leave](t, frames[1]).ParticipantID)
}
