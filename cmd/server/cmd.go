package main

import (
	"fmt"
	"strings"

	"github.com/DoyleJ11/race-sync-backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "RACESYNC"

func newCmd(cfg *config.Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var configFile string

	cmd := &cobra.Command{
		Use:     "race-sync",
		Short:   "Session coordinator for two-player real-time races.",
		Args:    cobra.ExactArgs(0),
		Version: releaseVersion,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			_ = v.BindEnv("config")
			if configFile == "" {
				configFile = v.GetString("config")
			}
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", configFile, err)
				}
			}
			return applyViper(cmd.Flags(), v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), *cfg)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&configFile, "config", "", "optional config file, yaml/toml/json (env: RACESYNC_CONFIG)")
	fs.StringVarP(&cfg.Bind, "bind", "b", cfg.Bind, "address to bind to (env: RACESYNC_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "port to listen on (env: RACESYNC_PORT)")
	fs.DurationVar(&cfg.Countdown, "countdown", cfg.Countdown, "delay between both players ready and race start (env: RACESYNC_COUNTDOWN)")
	fs.DurationVar(&cfg.RematchDelay, "rematch-delay", cfg.RematchDelay, "delay between a finish and the rematch reset (env: RACESYNC_REMATCH_DELAY)")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "how long an empty session keeps its code (env: RACESYNC_GRACE_PERIOD)")
	fs.DurationVar(&cfg.MatchTimeout, "match-timeout", cfg.MatchTimeout, "how long a player waits for a random opponent (env: RACESYNC_MATCH_TIMEOUT)")
	fs.Float64Var(&cfg.FinishThreshold, "finish-threshold", cfg.FinishThreshold, "progress that wins a race (env: RACESYNC_FINISH_THRESHOLD)")
	fs.BoolVar(&cfg.EchoTelemetry, "echo-telemetry", cfg.EchoTelemetry, "echo telemetry back to its sender (env: RACESYNC_ECHO_TELEMETRY)")
	fs.IntVar(&cfg.OutboxSize, "outbox-size", cfg.OutboxSize, "frames buffered per connection (env: RACESYNC_OUTBOX_SIZE)")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "websocket keepalive interval (env: RACESYNC_PING_INTERVAL)")
	fs.Int64Var(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "largest accepted client frame in bytes (env: RACESYNC_MAX_MESSAGE_SIZE)")
	fs.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "CORS and websocket origin patterns (env: RACESYNC_ALLOWED_ORIGINS)")
	fs.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "base URL embedded in join QR codes (env: RACESYNC_PUBLIC_URL)")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server for race results, empty disables publishing (env: RACESYNC_NATS_URL)")
	fs.StringVar(&cfg.NATSStream, "nats-stream", cfg.NATSStream, "JetStream stream for race results (env: RACESYNC_NATS_STREAM)")
	fs.StringVar(&cfg.NATSSubject, "nats-subject", cfg.NATSSubject, "subject race results are published on (env: RACESYNC_NATS_SUBJECT)")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "debug logging (env: RACESYNC_VERBOSE)")

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("race-sync {{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

// applyViper fills every flag not given on the command line from the
// environment or the config file.
func applyViper(fs *pflag.FlagSet, v *viper.Viper) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed {
			return
		}
		_ = v.BindEnv(f.Name)
		if !v.IsSet(f.Name) {
			return
		}
		val := fmt.Sprintf("%v", v.Get(f.Name))
		if f.Value.Type() == "stringSlice" {
			val = strings.Join(v.GetStringSlice(f.Name), ",")
		}
		if setErr := fs.Set(f.Name, val); setErr != nil {
			err = fmt.Errorf("invalid value for %s: %w", f.Name, setErr)
		}
	})
	return err
}
