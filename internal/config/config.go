package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/multierr"
)

type Config struct {
	Bind string
	Port int

	Countdown       time.Duration
	RematchDelay    time.Duration
	GracePeriod     time.Duration
	MatchTimeout    time.Duration
	FinishThreshold float64
	EchoTelemetry   bool

	OutboxSize     int
	PingInterval   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
	PublicURL      string

	NATSURL     string
	NATSStream  string
	NATSSubject string

	Verbose bool
}

func Default() Config {
	return Config{
		Bind:            "0.0.0.0",
		Port:            8080,
		Countdown:       4 * time.Second,
		RematchDelay:    10 * time.Second,
		GracePeriod:     30 * time.Second,
		MatchTimeout:    30 * time.Second,
		FinishThreshold: 100,
		OutboxSize:      64,
		PingInterval:    20 * time.Second,
		MaxMessageSize:  4096,
		AllowedOrigins:  []string{"*"},
		NATSStream:      "RACE_RESULTS",
		NATSSubject:     "race.results",
	}
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

func (c Config) Validate() error {
	var err error
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"countdown", c.Countdown},
		{"rematch-delay", c.RematchDelay},
		{"grace-period", c.GracePeriod},
		{"match-timeout", c.MatchTimeout},
		{"ping-interval", c.PingInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive, got %s", d.name, d.d))
		}
	}
	if c.FinishThreshold <= 0 || c.FinishThreshold > 100 {
		err = multierr.Append(err, fmt.Errorf("finish-threshold must be in (0, 100], got %v", c.FinishThreshold))
	}
	if c.Port < 1 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.OutboxSize < 1 {
		err = multierr.Append(err, errors.New("outbox-size must be at least 1"))
	}
	if c.MaxMessageSize < 64 {
		err = multierr.Append(err, fmt.Errorf("max-message-size too small: %d", c.MaxMessageSize))
	}
	if c.NATSURL != "" && (c.NATSStream == "" || c.NATSSubject == "") {
		err = multierr.Append(err, errors.New("nats-stream and nats-subject are required when nats-url is set"))
	}
	return err
}
