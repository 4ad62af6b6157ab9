package hub

import (
	"context"
	"errors"
	"time"

	"github.com/DoyleJ11/race-sync-backend/internal/engine"
	"github.com/DoyleJ11/race-sync-backend/internal/events"
	"github.com/DoyleJ11/race-sync-backend/internal/matchmaking"
	"github.com/DoyleJ11/race-sync-backend/internal/registry"
	"github.com/DoyleJ11/race-sync-backend/internal/store"
	"github.com/DoyleJ11/race-sync-backend/internal/timers"
	"github.com/DoyleJ11/race-sync-backend/pkg/types"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type Msg interface{ isHubMsg() }

// Connect hands the hub a new connection and the channel it writes that
// connection's frames to. The hub closes Outbox exactly once.
type Connect struct {
	ConnID string
	Outbox chan types.ServerMessage
}

type Disconnect struct{ ConnID string }

type FromClient struct {
	ConnID string
	Msg    types.ClientMessage
}

// Malformed reports a frame that could not be decoded, so the error reply is
// ordered with everything else sent to that connection.
type Malformed struct {
	ConnID string
	Err    error
}

type GetState struct {
	Reply chan View
}

type LookupSession struct {
	Code  string
	Reply chan Lookup
}

type Lookup struct {
	Session types.Session
	Found   bool
}

// Reset drops every session, queue entry and timer. Connections stay open.
type Reset struct {
	Done chan struct{}
}

type Shutdown struct{}

type timerFired struct {
	Key timers.Key
	Gen uint64
}

func (Connect) isHubMsg()       {}
func (Disconnect) isHubMsg()    {}
func (FromClient) isHubMsg()    {}
func (Malformed) isHubMsg()     {}
func (GetState) isHubMsg()      {}
func (LookupSession) isHubMsg() {}
func (Reset) isHubMsg()         {}
func (Shutdown) isHubMsg()      {}
func (timerFired) isHubMsg()    {}

// View is a consistent snapshot of the hub, taken between two messages.
type View struct {
	Online      int
	Connections int
	Sessions    []types.Session // ordered by code
	Queue       []string
	Timers      int
}

type Config struct {
	Countdown       time.Duration
	RematchDelay    time.Duration
	GracePeriod     time.Duration
	MatchTimeout    time.Duration
	FinishThreshold float64
	EchoTelemetry   bool
}

func DefaultConfig() Config {
	rules := engine.DefaultRules()
	return Config{
		Countdown:       rules.Countdown,
		RematchDelay:    10 * time.Second,
		GracePeriod:     30 * time.Second,
		MatchTimeout:    30 * time.Second,
		FinishThreshold: rules.FinishThreshold,
	}
}

func (c Config) rules() engine.Rules {
	return engine.Rules{Countdown: c.Countdown, FinishThreshold: c.FinishThreshold}
}

// ResultSink receives every finished race. Submit must not block.
type ResultSink interface {
	Submit(events.RaceResult) bool
}

type Option func(*Hub)

func WithClock(c clockwork.Clock) Option { return func(h *Hub) { h.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(h *Hub) { h.log = l } }

func WithResultSink(s ResultSink) Option { return func(h *Hub) { h.results = s } }

// WithCodeGenerator replaces the random session code source.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(h *Hub) { h.codeGen = gen }
}

var ErrStopped = errors.New("hub stopped")

// Hub is the single owner of every identity, session, queue entry and timer.
// All of them are touched only from loop.
type Hub struct {
	inbox   chan Msg
	cfg     Config
	clock   clockwork.Clock
	log     *zap.Logger
	results ResultSink
	codeGen func() (string, error)

	registry *registry.Registry
	queue    *matchmaking.Queue
	sessions *store.Store
	timers   *timers.Scheduler
	clients  map[string]chan types.ServerMessage
	dropped  []string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(parent context.Context, cfg Config, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan Msg, 256),
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		log:     zap.NewNop(),
		clients: make(map[string]chan types.ServerMessage),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	var storeOpts []store.Option
	if h.codeGen != nil {
		storeOpts = append(storeOpts, store.WithGenerator(h.codeGen))
	}
	h.registry = registry.New()
	h.queue = matchmaking.NewQueue()
	h.sessions = store.New(storeOpts...)
	h.timers = timers.NewScheduler(h.clock, h.fire)

	go h.loop()
	return h
}

// Expose the inbox so the transport and tests can send messages.
func (h *Hub) Inbox() chan<- Msg { return h.inbox }

// Done is closed once the loop has exited and every outbox is closed.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Send delivers m unless ctx ends or the hub has stopped first.
func (h *Hub) Send(ctx context.Context, m Msg) error {
	select {
	case h.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrStopped
	}
}

func (h *Hub) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := h.Send(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-h.done:
		return View{}, ErrStopped
	}
}

func (h *Hub) Lookup(ctx context.Context, code string) (types.Session, bool, error) {
	reply := make(chan Lookup, 1)
	if err := h.Send(ctx, LookupSession{Code: code, Reply: reply}); err != nil {
		return types.Session{}, false, err
	}
	select {
	case l := <-reply:
		return l.Session, l.Found, nil
	case <-ctx.Done():
		return types.Session{}, false, ctx.Err()
	case <-h.done:
		return types.Session{}, false, ErrStopped
	}
}

func (h *Hub) Reset(ctx context.Context) error {
	done := make(chan struct{})
	if err := h.Send(ctx, Reset{Done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrStopped
	}
}

// fire runs on the clock's goroutine.
func (h *Hub) fire(key timers.Key, gen uint64) {
	select {
	case h.inbox <- timerFired{Key: key, Gen: gen}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Connect:
				if _, exists := h.clients[msg.ConnID]; exists {
					h.log.Warn("duplicate connection id", zap.String("conn_id", msg.ConnID))
					close(msg.Outbox)
					break
				}
				h.clients[msg.ConnID] = msg.Outbox
				h.registry.Connect(msg.ConnID, h.clock.Now())
				h.log.Debug("client connected", zap.String("conn_id", msg.ConnID))

			case Disconnect:
				h.disconnect(msg.ConnID)

			case FromClient:
				h.handleClient(msg.ConnID, msg.Msg)

			case Malformed:
				h.log.Debug("malformed frame", zap.String("conn_id", msg.ConnID), zap.Error(msg.Err))
				h.reject(msg.ConnID, engine.ErrMalformedMessage)

			case timerFired:
				h.handleTimer(msg.Key, msg.Gen)

			case GetState:
				msg.Reply <- h.view()

			case LookupSession:
				var l Lookup
				if code, ok := store.NormalizeCode(msg.Code); ok {
					if s, err := h.sessions.Find(code); err == nil {
						l = Lookup{Session: h.inspect(s), Found: true}
					}
				}
				msg.Reply <- l

			case Reset:
				h.reset()
				close(msg.Done)

			case Shutdown:
				h.shutdown()
				return
			}

			h.flushDropped()
		}
	}
}

func (h *Hub) view() View {
	v := View{
		Online:      h.registry.Count(),
		Connections: len(h.clients),
		Queue:       h.queue.Snapshot(),
		Timers:      h.timers.Len(),
	}
	for _, code := range h.sessions.Codes() {
		s, _ := h.sessions.Find(code)
		v.Sessions = append(v.Sessions, h.inspect(s))
	}
	return v
}

func (h *Hub) reset() {
	h.timers.Stop()
	h.queue.Reset()
	h.sessions.Reset()
	h.registry.ClearSessions()
	h.log.Info("hub reset")
}

func (h *Hub) shutdown() {
	h.timers.Stop()
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
	h.cancel()
}

// send never blocks. Telemetry frames are lossy; a client that cannot take
// any other frame is dropped.
func (h *Hub) send(connID string, msg types.ServerMessage) {
	ch, ok := h.clients[connID]
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		if _, lossy := msg.(types.Telemetry); lossy {
			return
		}
		h.log.Warn("client outbox full, dropping connection",
			zap.String("conn_id", connID),
			zap.String("msg", msg.MessageType()))
		close(ch)
		delete(h.clients, connID)
		h.dropped = append(h.dropped, connID)
	}
}

// flushDropped tears down connections dropped by send once the current
// handler has finished, so no handler sees its session change underneath it.
func (h *Hub) flushDropped() {
	for len(h.dropped) > 0 {
		id := h.dropped[0]
		h.dropped = h.dropped[1:]
		h.disconnect(id)
	}
}

// broadcastOnline lists registered identities only, but goes to every open
// connection so clients still choosing a name see the count too.
func (h *Hub) broadcastOnline() {
	list := h.registry.List()
	msg := types.OnlineCount{Type: types.MsgOnlineCount, Count: len(list), List: make([]types.Identity, 0, len(list))}
	for _, id := range list {
		msg.List = append(msg.List, identityView(id))
	}
	for _, connID := range h.registry.Connections() {
		h.send(connID, msg)
	}
}

func (h *Hub) reject(connID string, err error) {
	kind := engine.KindOf(err)
	message := err.Error()
	if kind == engine.KindInternal {
		message = "internal error"
	}
	h.send(connID, types.SessionError{Type: types.MsgSessionError, Message: message, Kind: string(kind)})
}
