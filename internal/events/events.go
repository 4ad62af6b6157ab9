package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RaceResult is published once per finished race. Codes are reused once a
// session is deleted, so a race is identified by SessionCode,
// SessionCreatedAt and Cycle together.
type RaceResult struct {
	SessionCode      string    `json:"sessionCode"`
	SessionCreatedAt time.Time `json:"sessionCreatedAt"`
	Cycle            int       `json:"cycle"`
	Winner           Racer     `json:"winner"`
	Loser            *Racer    `json:"loser,omitempty"`
	ElapsedMs        int64     `json:"elapsedMs"`
	FinishedAt       time.Time `json:"finishedAt"`
}

type Racer struct {
	ConnectionID string  `json:"connectionId"`
	Name         string  `json:"name"`
	SlotIndex    int     `json:"slotIndex"`
	Score        int     `json:"score"`
	Progress     float64 `json:"progress"`
}

type Publisher interface {
	Publish(ctx context.Context, result RaceResult) error
	Close() error
}

// NopPublisher discards results. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, RaceResult) error { return nil }
func (NopPublisher) Close() error                              { return nil }

const DefaultPublishTimeout = 5 * time.Second

// Dispatcher decouples the hub from the publisher: Submit never blocks, and a
// single worker publishes in submission order.
type Dispatcher struct {
	pub     Publisher
	queue   chan RaceResult
	timeout time.Duration
	log     *zap.Logger
}

func NewDispatcher(pub Publisher, size int, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if size < 1 {
		size = 1
	}
	return &Dispatcher{
		pub:     pub,
		queue:   make(chan RaceResult, size),
		timeout: DefaultPublishTimeout,
		log:     log,
	}
}

// Submit queues a result and reports false when the queue is full.
func (d *Dispatcher) Submit(r RaceResult) bool {
	select {
	case d.queue <- r:
		return true
	default:
		d.log.Warn("result queue full, dropping race result",
			zap.String("code", r.SessionCode),
			zap.Int("cycle", r.Cycle))
		return false
	}
}

// Run publishes queued results until ctx is cancelled, then flushes whatever
// is still queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.flush()
			return nil
		case r := <-d.queue:
			d.publish(context.Background(), r)
		}
	}
}

func (d *Dispatcher) flush() {
	for {
		select {
		case r := <-d.queue:
			d.publish(context.Background(), r)
		default:
			return
		}
	}
}

func (d *Dispatcher) publish(parent context.Context, r RaceResult) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()
	if err := d.pub.Publish(ctx, r); err != nil {
		d.log.Error("publish race result",
			zap.String("code", r.SessionCode),
			zap.Int("cycle", r.Cycle),
			zap.Error(err))
		return
	}
	d.log.Debug("published race result", zap.String("code", r.SessionCode), zap.Int("cycle", r.Cycle))
}
