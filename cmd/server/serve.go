package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/DoyleJ11/race-sync-backend/internal/config"
	"github.com/DoyleJ11/race-sync-backend/internal/events"
	"github.com/DoyleJ11/race-sync-backend/internal/httpapi"
	"github.com/DoyleJ11/race-sync-backend/internal/hub"
	"github.com/DoyleJ11/race-sync-backend/internal/ws"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	resultQueueSize = 256
)

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newPublisher(ctx context.Context, cfg config.Config, log *zap.Logger) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return events.NopPublisher{}, nil
	}
	js := events.DefaultJetStreamConfig()
	js.URL = cfg.NATSURL
	js.StreamName = cfg.NATSStream
	js.Subject = cfg.NATSSubject
	return events.NewJetStreamPublisher(ctx, js, log.Named("events"))
}

func hubConfig(cfg config.Config) hub.Config {
	return hub.Config{
		Countdown:       cfg.Countdown,
		RematchDelay:    cfg.RematchDelay,
		GracePeriod:     cfg.GracePeriod,
		MatchTimeout:    cfg.MatchTimeout,
		FinishThreshold: cfg.FinishThreshold,
		EchoTelemetry:   cfg.EchoTelemetry,
	}
}

func serve(ctx context.Context, cfg config.Config) (err error) {
	log, err := newLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	pub, err := newPublisher(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, pub.Close()) }()

	dispatcher := events.NewDispatcher(pub, resultQueueSize, log.Named("events"))

	// The hub outlives ctx so the HTTP server can drain first.
	h := hub.NewHub(context.Background(), hubConfig(cfg),
		hub.WithLogger(log.Named("hub")),
		hub.WithResultSink(dispatcher))

	wsOpts := ws.DefaultOptions()
	wsOpts.OutboxSize = cfg.OutboxSize
	wsOpts.PingInterval = cfg.PingInterval
	wsOpts.MaxMessageSize = cfg.MaxMessageSize
	wsOpts.OriginPatterns = cfg.AllowedOrigins

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: httpapi.SetupRoutes(h, httpapi.Options{
			PublicURL:      cfg.PublicURL,
			AllowedOrigins: cfg.AllowedOrigins,
			WS:             wsOpts,
		}, log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Results outlive ctx too: the dispatcher stops only after the hub has.
	resultsCtx, stopResults := context.WithCancel(context.Background())
	defer stopResults()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(resultsCtx) })
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("version", releaseVersion))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return shutdown(sctx, srv, h, stopResults)
	})

	return g.Wait()
}

// shutdown stops the server, then the hub, then the result dispatcher, so a
// race the hub finishes while draining is still published.
func shutdown(ctx context.Context, srv *http.Server, h *hub.Hub, stopResults context.CancelFunc) error {
	defer stopResults()

	err := srv.Shutdown(ctx)
	if serr := h.Send(ctx, hub.Shutdown{}); serr != nil && !errors.Is(serr, hub.ErrStopped) {
		err = multierr.Append(err, serr)
	}
	select {
	case <-h.Done():
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}
	return err
}
