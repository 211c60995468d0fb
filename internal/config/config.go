/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

// Package config holds the process-wide settings for the spektrum server
// and the cobra/viper command that populates them.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default tunables, named so they can be referenced from tests and docs.
const (
	DefaultRoundDuration  = 30 * time.Second
	DefaultLobbyIdleTTL   = 2 * time.Hour
	DefaultGameOverTTL    = 10 * time.Minute
	DefaultSessionTTL     = 24 * time.Hour
	DefaultConnIdleTTL    = 40 * time.Second
	DefaultHeartbeatEvery = 20 * time.Second
	DefaultInboundRateHz  = 10
	DefaultInboundMaxSize = 16 * 1024
	DefaultOutboundBuffer = 32
)

// Config is the single process-wide settings struct. It is populated once
// at startup by NewCmd and then passed by reference into every component
// that needs it; nothing else owns process configuration.
type Config struct {
	Bind    string
	Port    int
	Prefix  string
	Profile bool
	Verbose bool
	Version bool

	TLSCert string
	TLSKey  string

	CORSOrigins []string

	// AdminPasswords holds every accepted shared-secret for AdminAPI,
	// compared in constant time. Comma-separated on the CLI/env side.
	AdminPasswords []string

	StorageDriver string // "filesystem"
	StoragePath   string // filesystem path to the catalog blob

	RoundDuration  time.Duration
	LobbyIdleTTL   time.Duration
	GameOverTTL    time.Duration
	SessionTTL     time.Duration
	ConnIdleTTL    time.Duration
	HeartbeatEvery time.Duration

	JWTSecret string
}

func (c *Config) Validate() error {
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if len(c.AdminPasswords) == 0 {
		return errors.New("at least one --admin-password (or SPEKTRUM_ADMIN_PASSWORD) is required")
	}
	if c.StorageDriver != "filesystem" {
		return fmt.Errorf("invalid storage driver %q (must be filesystem)", c.StorageDriver)
	}
	if c.JWTSecret == "" {
		return errors.New("--jwt-secret (or SPEKTRUM_JWT_SECRET) is required")
	}
	return nil
}

func (c *Config) Scheme() string {
	if c.TLSCert != "" && c.TLSKey != "" {
		return "https"
	}
	return "http"
}

// ServeFunc is supplied by the caller (cmd/spektrumd) so that config does
// not import the server wiring; NewCmd wires it into cobra's RunE.
type ServeFunc func(cmd *cobra.Command, cfg *Config) error

func NewCmd(cfg *Config, serve ServeFunc, releaseVersion string) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SPEKTRUM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var adminPasswords, corsOrigins string

	cmd := &cobra.Command{
		Use:           "spektrumd...",
		Short:         "Real-time, room-based multiplayer music-quiz server.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.AdminPasswords = splitNonEmpty(adminPasswords, ",")
			cfg.CORSOrigins = splitNonEmpty(corsOrigins, ",")

			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd, cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: SPEKTRUM_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", 8080, "port to listen on (env: SPEKTRUM_PORT)")
	fs.StringVar(&cfg.Prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: SPEKTRUM_PREFIX)")
	fs.BoolVar(&cfg.Profile, "profile", false, "register net/http/pprof handlers (env: SPEKTRUM_PROFILE)")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "display additional output (env: SPEKTRUM_VERBOSE)")
	fs.BoolVarP(&cfg.Version, "version", "V", false, "display version and exit (env: SPEKTRUM_VERSION)")

	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to tls certificate (env: SPEKTRUM_TLS_CERT)")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to tls keyfile (env: SPEKTRUM_TLS_KEY)")

	fs.StringVar(&adminPasswords, "admin-password", "", "comma-separated list of accepted admin passwords (env: SPEKTRUM_ADMIN_PASSWORD)")
	fs.StringVar(&corsOrigins, "cors-origin", "", "comma-separated list of allowed CORS origins (env: SPEKTRUM_CORS_ORIGIN)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "secret used to sign session tokens (env: SPEKTRUM_JWT_SECRET)")

	fs.StringVar(&cfg.StorageDriver, "storage-driver", "filesystem", "question-catalog storage driver (env: SPEKTRUM_STORAGE_DRIVER)")
	fs.StringVar(&cfg.StoragePath, "storage-path", "catalog.json", "filesystem path to the question catalog blob (env: SPEKTRUM_STORAGE_PATH)")

	fs.DurationVar(&cfg.RoundDuration, "round-duration", DefaultRoundDuration, "default round duration (env: SPEKTRUM_ROUND_DURATION)")
	fs.DurationVar(&cfg.LobbyIdleTTL, "lobby-idle-timeout", DefaultLobbyIdleTTL, "time before an idle lobby is garbage-collected (env: SPEKTRUM_LOBBY_IDLE_TIMEOUT)")
	fs.DurationVar(&cfg.GameOverTTL, "gameover-retention", DefaultGameOverTTL, "time a finished lobby is retained before garbage collection (env: SPEKTRUM_GAMEOVER_RETENTION)")
	fs.DurationVar(&cfg.SessionTTL, "session-timeout", DefaultSessionTTL, "session token time-to-live (env: SPEKTRUM_SESSION_TIMEOUT)")
	fs.DurationVar(&cfg.ConnIdleTTL, "connection-idle-timeout", DefaultConnIdleTTL, "time before an unresponsive connection is force-closed (env: SPEKTRUM_CONNECTION_IDLE_TIMEOUT)")
	fs.DurationVar(&cfg.HeartbeatEvery, "heartbeat-interval", DefaultHeartbeatEvery, "interval between server-sent pings (env: SPEKTRUM_HEARTBEAT_INTERVAL)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("spektrumd v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
