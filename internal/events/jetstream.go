package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	Subject         string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration
	DuplicateWindow time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "RACE_RESULTS",
		Subject:         "race.results",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          30 * 24 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
	}
}

type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
	log    *zap.Logger
}

func NewJetStreamPublisher(ctx context.Context, cfg JetStreamConfig, log *zap.Logger) (*JetStreamPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("race-sync"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	p := &JetStreamPublisher{nc: nc, js: js, config: cfg, log: log}
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

func (p *JetStreamPublisher) ensureStream(ctx context.Context) error {
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "Finished race results",
		Subjects:    []string{p.config.Subject},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      p.config.MaxAge,
		Duplicates:  p.config.DuplicateWindow,
	})
	if err != nil {
		return err
	}
	p.log.Info("jetstream stream ready", zap.String("stream", p.config.StreamName))
	return nil
}

// MessageID is the de-duplication id for a result; a race is published at
// most once per duplicate window even if Publish is retried.
func MessageID(r RaceResult) string {
	return fmt.Sprintf("%s-%d-%d", r.SessionCode, r.SessionCreatedAt.UnixMilli(), r.Cycle)
}

func (p *JetStreamPublisher) Publish(ctx context.Context, r RaceResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal race result: %w", err)
	}

	ack, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: p.config.Subject,
		Data:    data,
		Header: nats.Header{
			"Session-Code": []string{r.SessionCode},
		},
	},
		jetstream.WithMsgID(MessageID(r)),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to jetstream: %w", err)
	}

	p.log.Info("published race result",
		zap.String("code", r.SessionCode),
		zap.Uint64("sequence", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate))
	return nil
}

func (p *JetStreamPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
