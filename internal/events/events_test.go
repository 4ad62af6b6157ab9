package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []RaceResult
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, r RaceResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, r)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) results() []RaceResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RaceResult(nil), p.published...)
}

func TestDispatcher_PublishesInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewDispatcher(pub, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	require.True(t, d.Submit(RaceResult{SessionCode: "ABCDEF", Cycle: 0}))
	require.True(t, d.Submit(RaceResult{SessionCode: "ABCDEF", Cycle: 1}))

	require.Eventually(t, func() bool { return len(pub.results()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	got := pub.results()
	assert.Equal(t, 0, got[0].Cycle)
	assert.Equal(t, 1, got[1].Cycle)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDispatcher(NopPublisher{}, 1, zap.New(core))

	assert.True(t, d.Submit(RaceResult{SessionCode: "ABCDEF"}))
	assert.False(t, d.Submit(RaceResult{SessionCode: "GHJKMN"}))
	require.Equal(t, 1, logs.FilterMessage("result queue full, dropping race result").Len())
}

func TestDispatcher_FlushesOnShutdown(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewDispatcher(pub, 4, nil)
	d.Submit(RaceResult{SessionCode: "ABCDEF"})
	d.Submit(RaceResult{SessionCode: "GHJKMN"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Len(t, pub.results(), 2)
}

func TestDispatcher_LogsPublishErrors(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	pub := &recordingPublisher{err: errors.New("broker down")}
	d := NewDispatcher(pub, 1, zap.New(core))
	d.Submit(RaceResult{SessionCode: "ABCDEF", Cycle: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))

	entries := logs.FilterMessage("publish race result").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "ABCDEF", entries[0].ContextMap()["code"])
}

func TestMessageID(t *testing.T) {
	created := time.UnixMilli(1740830400000)
	assert.Equal(t, "ABCDEF-1740830400000-2", MessageID(RaceResult{SessionCode: "ABCDEF", SessionCreatedAt: created, Cycle: 2}))

	reissued := RaceResult{SessionCode: "ABCDEF", SessionCreatedAt: created.Add(time.Minute), Cycle: 2}
	assert.NotEqual(t, MessageID(RaceResult{SessionCode: "ABCDEF", SessionCreatedAt: created, Cycle: 2}), MessageID(reissued),
		"a reissued code starts a new id space")
}
