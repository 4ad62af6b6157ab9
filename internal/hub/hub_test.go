package hub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/race-sync-backend/internal/events"
	"github.com/DoyleJ11/race-sync-backend/internal/store"
	"github.com/DoyleJ11/race-sync-backend/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu      sync.Mutex
	results []events.RaceResult
	panics  bool
}

func (s *recordingSink) Submit(r events.RaceResult) bool {
	if s.panics {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return true
}

func (s *recordingSink) all() []events.RaceResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.RaceResult(nil), s.results...)
}

type client struct {
	id  string
	out chan types.ServerMessage
}

type harness struct {
	t       *testing.T
	h       *Hub
	fc      *clockwork.FakeClock
	cfg     Config
	sink    *recordingSink
	clients []*client
}

// newHarness hands out codes AAAAAA, BBBBBB, ... in creation order.
func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	n := 0
	gen := func() (string, error) {
		c := store.CodeAlphabet[n%len(store.CodeAlphabet)]
		n++
		return strings.Repeat(string(c), store.CodeLength), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	hh := &harness{
		t:    t,
		fc:   clockwork.NewFakeClockAt(start),
		cfg:  cfg,
		sink: &recordingSink{},
	}
	hh.h = NewHub(ctx, cfg,
		WithClock(hh.fc),
		WithLogger(zaptest.NewLogger(t)),
		WithResultSink(hh.sink),
		WithCodeGenerator(gen))
	t.Cleanup(func() {
		cancel()
		<-hh.h.Done()
	})
	return hh
}

func (hh *harness) connectWithOutbox(id string, size int) *client {
	c := &client{id: id, out: make(chan types.ServerMessage, size)}
	hh.h.Inbox() <- Connect{ConnID: id, Outbox: c.out}
	hh.clients = append(hh.clients, c)
	return c
}

func (hh *harness) connect(id string) *client { return hh.connectWithOutbox(id, 64) }

// player connects and registers id, then discards every frame sent so far.
func (hh *harness) player(id, name string) *client {
	c := hh.connect(id)
	hh.do(c, types.ClientMessage{Type: types.MsgRegister, Name: name})
	hh.drainAll()
	return c
}

func (hh *harness) do(c *client, m types.ClientMessage) {
	hh.h.Inbox() <- FromClient{ConnID: c.id, Msg: m}
}

func (hh *harness) doType(c *client, msgType string) {
	hh.do(c, types.ClientMessage{Type: msgType})
}

func (hh *harness) telemetry(c *client, position, progress float64, score, combo int) {
	hh.do(c, types.ClientMessage{Type: types.MsgSubmitTelemetry, Position: position, Progress: progress, Score: score, Combo: combo})
}

// sync returns once the hub has handled everything sent before it.
func (hh *harness) sync() View {
	hh.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := hh.h.State(ctx)
	require.NoError(hh.t, err)
	return v
}

func (hh *harness) drainAll() {
	hh.sync()
	for _, c := range hh.clients {
		drain(c)
	}
}

func drain(c *client) {
	for {
		select {
		case _, ok := <-c.out:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (hh *harness) expectNone(clients ...*client) {
	hh.t.Helper()
	hh.sync()
	for _, c := range clients {
		select {
		case m, ok := <-c.out:
			if ok {
				hh.t.Fatalf("%s: expected no frame, got %T %+v", c.id, m, m)
			}
		default:
		}
	}
}

func recv[T types.ServerMessage](t *testing.T, c *client) T {
	t.Helper()
	select {
	case m, ok := <-c.out:
		require.True(t, ok, "%s: outbox closed", c.id)
		got, ok := m.(T)
		require.True(t, ok, "%s: want %T, got %T %+v", c.id, *new(T), m, m)
		return got
	case <-time.After(time.Second):
		t.Fatalf("%s: timed out waiting for %T", c.id, *new(T))
	}
	var zero T
	return zero
}

func expectClosed(t *testing.T, c *client) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-c.out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("%s: outbox was not closed", c.id)
		}
	}
}

// paired seats a in slot 0 and b in slot 1 of a new session.
func (hh *harness) paired(a, b *client) string {
	hh.t.Helper()
	hh.doType(a, types.MsgCreateSession)
	code := recv[types.SessionCreated](hh.t, a).Code
	hh.do(b, types.ClientMessage{Type: types.MsgJoinSession, Code: code})
	recv[types.SessionJoined](hh.t, b)
	hh.drainAll()
	return code
}

func (hh *harness) racing(a, b *client) string {
	hh.t.Helper()
	code := hh.paired(a, b)
	hh.doType(a, types.MsgMarkReady)
	hh.doType(b, types.MsgMarkReady)
	recv[types.RosterUpdated](hh.t, a)
	recv[types.RosterUpdated](hh.t, a)
	recv[types.CountdownStarted](hh.t, a)
	hh.drainAll()

	hh.fc.Advance(hh.cfg.Countdown)
	recv[types.RaceStarted](hh.t, a)
	recv[types.RaceStarted](hh.t, b)
	return code
}

func TestRegister_AssignsIdentityAndBroadcastsOnlineCount(t *testing.T) {
	hh := newHarness(t)
	a := hh.connect("a")
	hh.do(a, types.ClientMessage{Type: types.MsgRegister, Name: "  Ada  "})

	reg := recv[types.Registered](t, a)
	assert.Equal(t, "a", reg.ConnectionID)
	assert.Equal(t, "Ada", reg.Identity.Name)
	assert.Equal(t, 1, recv[types.OnlineCount](t, a).Count)

	b := hh.connect("b")
	hh.do(b, types.ClientMessage{Type: types.MsgRegister})
	assert.Equal(t, "Guest", recv[types.Registered](t, b).Identity.Name)
	assert.Equal(t, 2, recv[types.OnlineCount](t, a).Count)
	online := recv[types.OnlineCount](t, b)
	require.Len(t, online.List, 2)
	assert.Equal(t, "a", online.List[0].ConnectionID)

	hh.h.Inbox() <- Disconnect{ConnID: "b"}
	assert.Equal(t, 1, recv[types.OnlineCount](t, a).Count)
	expectClosed(t, b)
}

func TestOnlineCountReachesUnregisteredConnections(t *testing.T) {
	hh := newHarness(t)
	lurker := hh.connect("lurker")
	a := hh.connect("a")
	hh.do(a, types.ClientMessage{Type: types.MsgRegister, Name: "Ada"})

	online := recv[types.OnlineCount](t, lurker)
	assert.Equal(t, 1, online.Count)
	require.Len(t, online.List, 1)
	assert.Equal(t, "a", online.List[0].ConnectionID)

	hh.h.Inbox() <- Disconnect{ConnID: "a"}
	assert.Zero(t, recv[types.OnlineCount](t, lurker).Count)
	assert.Equal(t, 1, hh.sync().Connections)
}

func TestUnregisteredConnectionIsRejected(t *testing.T) {
	hh := newHarness(t)
	a := hh.connect("a")
	hh.doType(a, types.MsgCreateSession)

	e := recv[types.SessionError](t, a)
	assert.Equal(t, "validation", e.Kind)
	assert.Empty(t, hh.sync().Sessions)
}

func TestMalformedAndUnknownFramesAreValidationErrors(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")

	hh.h.Inbox() <- Malformed{ConnID: "a", Err: errors.New("unexpected EOF")}
	e := recv[types.SessionError](t, a)
	assert.Equal(t, "validation", e.Kind)
	assert.Equal(t, "malformed message", e.Message)

	hh.doType(a, "teleport")
	e = recv[types.SessionError](t, a)
	assert.Equal(t, "validation", e.Kind)
	assert.Contains(t, e.Message, "teleport")
}

func TestCreateAndJoin_AssignsSlotsAndOrdersRoster(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")

	hh.doType(a, types.MsgCreateSession)
	created := recv[types.SessionCreated](t, a)
	assert.Equal(t, "AAAAAA", created.Code)
	assert.Equal(t, "waiting", created.Session.State)
	assert.Equal(t, "a", created.Session.HostConnectionID)
	require.Len(t, created.Session.Participants, 1)
	assert.Equal(t, 0, created.Session.Participants[0].SlotIndex)

	hh.do(b, types.ClientMessage{Type: types.MsgJoinSession, Code: " aaaaaa "})
	joined := recv[types.SessionJoined](t, b)
	assert.Equal(t, "AAAAAA", joined.Code)
	assert.Equal(t, 1, joined.SlotIndex)
	assert.Len(t, joined.Session.Participants, 2)

	assert.Len(t, recv[types.RosterUpdated](t, b).Session.Participants, 2)
	assert.Len(t, recv[types.RosterUpdated](t, a).Session.Participants, 2)
}

func TestJoin_Rejections(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	c := hh.player("c", "Cy")

	hh.do(c, types.ClientMessage{Type: types.MsgJoinSession, Code: "ZZZZZZ"})
	assert.Equal(t, "not_found", recv[types.SessionError](t, c).Kind)
	assert.Empty(t, hh.sync().Sessions, "a failed join creates nothing")

	hh.do(c, types.ClientMessage{Type: types.MsgJoinSession, Code: "12"})
	assert.Equal(t, "validation", recv[types.SessionError](t, c).Kind)

	code := hh.paired(a, b)
	hh.do(c, types.ClientMessage{Type: types.MsgJoinSession, Code: code})
	assert.Equal(t, "capacity", recv[types.SessionError](t, c).Kind)

	hh.do(a, types.ClientMessage{Type: types.MsgJoinSession, Code: code})
	assert.Equal(t, "validation", recv[types.SessionError](t, a).Kind)

	hh.doType(a, types.MsgCreateSession)
	assert.Equal(t, "validation", recv[types.SessionError](t, a).Kind)
}

func TestJoin_FreedSlotRefillsThenRejects(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	c := hh.player("c", "Cy")
	code := hh.racing(a, b)

	hh.doType(b, types.MsgLeaveSession)
	recv[types.ParticipantLeft](t, a)
	recv[types.SessionReset](t, a)

	d := hh.player("d", "Di")
	hh.do(d, types.ClientMessage{Type: types.MsgJoinSession, Code: code})
	assert.Equal(t, 1, recv[types.SessionJoined](t, d).SlotIndex)
	hh.drainAll()

	hh.doType(a, types.MsgMarkReady)
	hh.doType(d, types.MsgMarkReady)
	recv[types.RosterUpdated](t, a)
	recv[types.RosterUpdated](t, a)
	recv[types.CountdownStarted](t, a)

	hh.do(c, types.ClientMessage{Type: types.MsgJoinSession, Code: code})
	assert.Equal(t, "capacity", recv[types.SessionError](t, c).Kind)
}

func TestMarkReady_CountdownOnceThenRaceStarts(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	hh.paired(a, b)

	hh.doType(a, types.MsgMarkReady)
	roster := recv[types.RosterUpdated](t, a)
	assert.True(t, roster.Session.Participants[0].Ready)
	recv[types.RosterUpdated](t, b)

	hh.doType(a, types.MsgMarkReady)
	hh.expectNone(a, b)

	hh.fc.Advance(250 * time.Millisecond)
	hh.doType(b, types.MsgMarkReady)
	recv[types.RosterUpdated](t, a)
	recv[types.RosterUpdated](t, b)
	ca := recv[types.CountdownStarted](t, a)
	cb := recv[types.CountdownStarted](t, b)
	assert.Equal(t, ca, cb, "both participants see identical countdown timestamps")

	readyAt := start.Add(250 * time.Millisecond)
	assert.Equal(t, readyAt.Add(hh.cfg.Countdown).UnixMilli(), ca.RaceStartTimestamp)
	assert.Equal(t, ca.RaceStartTimestamp, ca.CountdownDeadline)
	assert.Equal(t, readyAt.UnixMilli(), ca.ServerTime)

	hh.doType(b, types.MsgMarkReady)
	hh.expectNone(a, b)

	hh.fc.Advance(hh.cfg.Countdown - time.Millisecond)
	hh.expectNone(a, b)

	hh.fc.Advance(time.Millisecond)
	ra := recv[types.RaceStarted](t, a)
	assert.Equal(t, ca.RaceStartTimestamp, ra.RaceStartTimestamp)
	recv[types.RaceStarted](t, b)
	assert.Equal(t, "racing", hh.sync().Sessions[0].State)
}

func TestTelemetry_RelayedToOpponentOnlyWhileRacing(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	hh.paired(a, b)

	hh.telemetry(a, 10, 20, 5, 1)
	hh.expectNone(a, b)

	hh.doType(a, types.MsgMarkReady)
	hh.doType(b, types.MsgMarkReady)
	hh.drainAll()
	hh.fc.Advance(hh.cfg.Countdown)
	recv[types.RaceStarted](t, a)
	recv[types.RaceStarted](t, b)

	hh.telemetry(a, 12.5, 40, 900, 3)
	frame := recv[types.Telemetry](t, b)
	assert.Equal(t, types.Telemetry{Type: types.MsgTelemetry, SlotIndex: 0, Position: 12.5, Progress: 40, Score: 900, Combo: 3}, frame)
	hh.expectNone(a)

	hh.telemetry(b, 3, -20, 10, 0)
	assert.Equal(t, 0.0, recv[types.Telemetry](t, a).Progress, "progress is clamped")
}

func TestTelemetry_EchoToSender(t *testing.T) {
	hh := newHarness(t, func(c *Config) { c.EchoTelemetry = true })
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	hh.racing(a, b)

	hh.telemetry(a, 1, 2, 3, 4)
	assert.Equal(t, 0, recv[types.Telemetry](t, a).SlotIndex)
	assert.Equal(t, 0, recv[types.Telemetry](t, b).SlotIndex)
}

func TestFinish_FirstCallerWinsAndRematchResets(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	code := hh.racing(a, b)

	hh.fc.Advance(1500 * time.Millisecond)
	hh.telemetry(b, 7, 60, 1200, 4)
	recv[types.Telemetry](t, a)

	hh.doType(b, types.MsgReportFinish)
	fa := recv[types.RaceFinished](t, a)
	fb := recv[types.RaceFinished](t, b)
	assert.Equal(t, fa, fb)
	assert.Equal(t, 1, fa.WinnerSlotIndex)
	assert.Equal(t, "Bo", fa.WinnerName)
	assert.Equal(t, 1200, fa.Score)
	assert.Equal(t, int64(1500), fa.ElapsedMs)

	hh.doType(a, types.MsgReportFinish)
	hh.expectNone(a, b)

	results := hh.sink.all()
	require.Len(t, results, 1)
	assert.Equal(t, code, results[0].SessionCode)
	assert.Equal(t, "b", results[0].Winner.ConnectionID)
	require.NotNil(t, results[0].Loser)
	assert.Equal(t, "a", results[0].Loser.ConnectionID)
	assert.Equal(t, 0, results[0].Cycle)
	assert.True(t, start.Equal(results[0].SessionCreatedAt))

	hh.fc.Advance(hh.cfg.RematchDelay)
	reset := recv[types.SessionReset](t, a)
	recv[types.SessionReset](t, b)
	assert.Equal(t, code, reset.Session.Code)
	assert.Equal(t, "waiting", reset.Session.State)
	assert.Equal(t, 1, reset.Session.Cycle)
	assert.Zero(t, reset.Session.RaceStartTimestamp)
	for _, p := range reset.Session.Participants {
		assert.False(t, p.Ready)
		assert.Zero(t, p.Progress)
		assert.Zero(t, p.Score)
		assert.Zero(t, p.Combo)
	}
}

func TestTelemetry_ReachingThresholdFinishes(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	hh.racing(a, b)

	hh.telemetry(a, 99, 100, 500, 2)
	recv[types.Telemetry](t, b)
	assert.Equal(t, "Ada", recv[types.RaceFinished](t, b).WinnerName)
	assert.Equal(t, 0, recv[types.RaceFinished](t, a).WinnerSlotIndex)
}

func TestReportFinish_BeforeRaceIsStateError(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	hh.paired(a, b)

	hh.doType(a, types.MsgReportFinish)
	assert.Equal(t, "state", recv[types.SessionError](t, a).Kind)
	hh.expectNone(b)
}

func TestDisconnectMidRace_SlotCanBeReclaimed(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	code := hh.racing(a, b)

	hh.h.Inbox() <- Disconnect{ConnID: "b"}
	left := recv[types.ParticipantLeft](t, a)
	assert.Equal(t, 1, left.SlotIndex)
	assert.Equal(t, "Bo", left.Name)
	reset := recv[types.SessionReset](t, a)
	assert.Equal(t, "waiting", reset.Session.State)
	assert.Len(t, reset.Session.Participants, 1)
	assert.Equal(t, 1, recv[types.OnlineCount](t, a).Count)
	expectClosed(t, b)

	c := hh.player("c", "Cy")
	hh.do(c, types.ClientMessage{Type: types.MsgJoinSession, Code: code})
	joined := recv[types.SessionJoined](t, c)
	assert.Equal(t, code, joined.Code)
	assert.Equal(t, 1, joined.SlotIndex)
}

func TestHostLeavingAloneDeletesSession(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")

	hh.doType(a, types.MsgCreateSession)
	code := recv[types.SessionCreated](t, a).Code
	hh.doType(a, types.MsgLeaveSession)

	v := hh.sync()
	assert.Empty(t, v.Sessions)
	assert.Zero(t, v.Timers)

	hh.do(b, types.ClientMessage{Type: types.MsgJoinSession, Code: code})
	assert.Equal(t, "not_found", recv[types.SessionError](t, b).Kind)
}

func TestHostHandOff(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	hh.paired(a, b)

	hh.doType(a, types.MsgLeaveSession)
	recv[types.ParticipantLeft](t, b)
	roster := recv[types.RosterUpdated](t, b)
	assert.Equal(t, "b", roster.Session.HostConnectionID)
	hh.expectNone(a)
}

func TestGrace_EmptySessionExpires(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	code := hh.paired(a, b)

	hh.doType(a, types.MsgLeaveSession)
	hh.doType(b, types.MsgLeaveSession)
	v := hh.sync()
	require.Len(t, v.Sessions, 1, "an emptied session survives the grace period")
	assert.Equal(t, code, v.Sessions[0].Code)
	assert.Equal(t, start.Add(hh.cfg.GracePeriod).UnixMilli(), v.Sessions[0].GraceDeadline)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	looked, found, err := hh.h.Lookup(ctx, strings.ToLower(code))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, v.Sessions[0].GraceDeadline, looked.GraceDeadline)

	hh.fc.Advance(hh.cfg.GracePeriod - time.Second)
	assert.Len(t, hh.sync().Sessions, 1)

	hh.fc.Advance(time.Second)
	require.Eventually(t, func() bool { return len(hh.sync().Sessions) == 0 }, time.Second, 5*time.Millisecond)
}

func TestGrace_RejoinCancelsExpiry(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	code := hh.paired(a, b)

	hh.doType(a, types.MsgLeaveSession)
	hh.doType(b, types.MsgLeaveSession)
	hh.sync()
	hh.fc.Advance(10 * time.Second)

	hh.do(a, types.ClientMessage{Type: types.MsgJoinSession, Code: code})
	joined := recv[types.SessionJoined](t, a)
	assert.Equal(t, 0, joined.SlotIndex)
	assert.Equal(t, "a", joined.Session.HostConnectionID)
	v := hh.sync()
	assert.Zero(t, v.Timers)
	require.Len(t, v.Sessions, 1)
	assert.Zero(t, v.Sessions[0].GraceDeadline)

	hh.fc.Advance(hh.cfg.GracePeriod)
	assert.Len(t, hh.sync().Sessions, 1)
}

func TestRematchSkippedWhenBothLeave(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	hh.racing(a, b)

	hh.doType(a, types.MsgReportFinish)
	recv[types.RaceFinished](t, a)
	recv[types.RaceFinished](t, b)
	hh.doType(a, types.MsgLeaveSession)
	hh.doType(b, types.MsgLeaveSession)
	hh.drainAll()

	v := hh.sync()
	require.Len(t, v.Sessions, 1)
	assert.Equal(t, "waiting", v.Sessions[0].State)
	assert.Equal(t, 1, v.Timers, "only the grace timer remains")

	hh.fc.Advance(hh.cfg.RematchDelay)
	hh.expectNone(a, b)
}

func TestMatchmaking_PairsInPopOrder(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")

	hh.doType(a, types.MsgRequestRandomMatch)
	recv[types.Searching](t, a)
	hh.doType(a, types.MsgRequestRandomMatch)
	recv[types.Searching](t, a)
	assert.Equal(t, []string{"a"}, hh.sync().Queue)

	hh.doType(b, types.MsgRequestRandomMatch)
	ma := recv[types.MatchFound](t, a)
	mb := recv[types.MatchFound](t, b)
	assert.Equal(t, ma.Code, mb.Code)
	assert.Equal(t, 0, ma.SlotIndex)
	assert.Equal(t, 1, mb.SlotIndex)
	assert.Len(t, ma.Session.Participants, 2)

	v := hh.sync()
	assert.Empty(t, v.Queue)
	assert.Zero(t, v.Timers)

	hh.doType(a, types.MsgMarkReady)
	recv[types.RosterUpdated](t, b)
}

func TestMatchmaking_TimesOut(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")

	hh.doType(a, types.MsgRequestRandomMatch)
	recv[types.Searching](t, a)

	hh.fc.Advance(hh.cfg.MatchTimeout)
	recv[types.SearchTimedOut](t, a)
	assert.Empty(t, hh.sync().Queue)
}

func TestMatchmaking_LeaveQueueAndDisconnectCancel(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	c := hh.player("c", "Cy")

	hh.doType(a, types.MsgRequestRandomMatch)
	recv[types.Searching](t, a)
	hh.doType(a, types.MsgLeaveQueue)
	v := hh.sync()
	assert.Empty(t, v.Queue)
	assert.Zero(t, v.Timers)

	hh.doType(b, types.MsgRequestRandomMatch)
	recv[types.Searching](t, b)
	hh.h.Inbox() <- Disconnect{ConnID: "b"}
	v = hh.sync()
	assert.Empty(t, v.Queue)
	assert.Zero(t, v.Timers)
	hh.drainAll()

	hh.doType(c, types.MsgRequestRandomMatch)
	recv[types.Searching](t, c)
	assert.Equal(t, []string{"c"}, hh.sync().Queue)

	hh.fc.Advance(hh.cfg.MatchTimeout - time.Second)
	hh.expectNone(a)
}

func TestRename_UpdatesRoster(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	hh.paired(a, b)

	hh.do(a, types.ClientMessage{Type: types.MsgRename, Name: "Ace"})
	roster := recv[types.RosterUpdated](t, b)
	assert.Equal(t, "Ace", roster.Session.Participants[0].Name)
	recv[types.RosterUpdated](t, a)
	assert.Equal(t, "Ace", recv[types.OnlineCount](t, b).List[0].Name)
}

func TestSlowClientIsDropped(t *testing.T) {
	hh := newHarness(t)
	c := hh.connectWithOutbox("c", 2)
	hh.do(c, types.ClientMessage{Type: types.MsgRegister, Name: "Cy"})
	hh.sync()

	a := hh.connect("a")
	hh.do(a, types.ClientMessage{Type: types.MsgRegister, Name: "Ada"})
	recv[types.Registered](t, a)
	assert.Equal(t, 2, recv[types.OnlineCount](t, a).Count)
	assert.Equal(t, 1, recv[types.OnlineCount](t, a).Count, "dropping c is announced")

	v := hh.sync()
	assert.Equal(t, 1, v.Connections)
	assert.Equal(t, 1, v.Online)
}

func TestTelemetryIsLossyButEventsAreNot(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	hh.racing(a, b)

	for len(b.out) < cap(b.out) {
		b.out <- types.Searching{Type: types.MsgSearching}
	}
	hh.telemetry(a, 1, 10, 0, 0)
	assert.Equal(t, 2, hh.sync().Connections, "a full outbox skips telemetry")

	hh.doType(a, types.MsgReportFinish)
	recv[types.RaceFinished](t, a)
	assert.Equal(t, 1, hh.sync().Connections, "a full outbox on a race event drops the client")
}

func TestHandlerPanicIsContained(t *testing.T) {
	hh := newHarness(t)
	hh.sink.panics = true
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	hh.racing(a, b)

	hh.doType(a, types.MsgReportFinish)
	recv[types.RaceFinished](t, a)
	e := recv[types.SessionError](t, a)
	assert.Equal(t, "internal", e.Kind)
	assert.Equal(t, "internal error", e.Message)

	v := hh.sync()
	require.Len(t, v.Sessions, 1)
	assert.Equal(t, "finished", v.Sessions[0].State)
}

func TestReset_ClearsSessionsQueueAndTimers(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	b := hh.player("b", "Bo")
	c := hh.player("c", "Cy")
	hh.paired(a, b)
	hh.doType(c, types.MsgRequestRandomMatch)
	recv[types.Searching](t, c)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, hh.h.Reset(ctx))

	v := hh.sync()
	assert.Empty(t, v.Sessions)
	assert.Empty(t, v.Queue)
	assert.Zero(t, v.Timers)
	assert.Equal(t, 3, v.Connections)

	hh.doType(a, types.MsgCreateSession)
	recv[types.SessionCreated](t, a)
}

func TestLookup(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")
	hh.doType(a, types.MsgCreateSession)
	code := recv[types.SessionCreated](t, a).Code

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s, found, err := hh.h.Lookup(ctx, strings.ToLower(code))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, code, s.Code)

	_, found, err = hh.h.Lookup(ctx, "ZZZZZZ")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestShutdownClosesOutboxes(t *testing.T) {
	hh := newHarness(t)
	a := hh.player("a", "Ada")

	hh.h.Inbox() <- Shutdown{}
	expectClosed(t, a)
	<-hh.h.Done()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := hh.h.State(ctx)
	assert.ErrorIs(t, err, ErrStopped)
}
