// Package config holds the server settings, their defaults, and their
// binding to command-line flags and AGSTREAM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/avaropoint/agstream/internal/security"
)

// EnvPrefix prefixes every environment variable the server reads.
const EnvPrefix = "AGSTREAM_"

// Config is the complete server configuration.
type Config struct {
	Addr string
	// RawAddr, when set, also accepts WebSocket clients on a plain TCP
	// listener that performs the handshake itself, without net/http.
	RawAddr string
	DataDir string
	// DBPath defaults to DataDir/agstream.db.
	DBPath string

	PollInterval     time.Duration
	MaxMessageSize   int
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	WriteTimeout     time.Duration
	ReapInterval     time.Duration
	ShutdownTimeout  time.Duration

	TLSMode     string
	TLSCert     string
	TLSKey      string
	ACMEDomains []string
	// ACMEHTTPAddr serves HTTP-01 challenges in acme mode.
	ACMEHTTPAddr string

	LogLevel  string
	LogFormat string
	// Trace selects the span exporter: off or stdout.
	Trace string

	AgentDelay        time.Duration
	ToolDelay         time.Duration
	HeartbeatInterval time.Duration
	PersistState      bool
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Addr:              ":8000",
		DataDir:           "data",
		PollInterval:      10 * time.Millisecond,
		MaxMessageSize:    1 << 20,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReapInterval:      30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		TLSMode:           "off",
		ACMEHTTPAddr:      ":80",
		LogLevel:          "info",
		LogFormat:         "text",
		Trace:             "off",
		AgentDelay:        50 * time.Millisecond,
		ToolDelay:         500 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		PersistState:      true,
	}
}

// Bind registers a flag for every field on fs, with c's current values as
// the defaults.
func (c *Config) Bind(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "listen address")
	fs.StringVar(&c.RawAddr, "raw-addr", c.RawAddr, "extra plain-TCP WebSocket listen address (empty disables)")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory for the database and certificates")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path (default <data-dir>/agstream.db)")

	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "how long one receive waits for bytes")
	fs.IntVar(&c.MaxMessageSize, "max-message-size", c.MaxMessageSize, "largest accepted inbound message in bytes")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "deadline for reading the upgrade request")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "close connections silent for this long (0 disables)")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "deadline for each frame write")
	fs.DurationVar(&c.ReapInterval, "reap-interval", c.ReapInterval, "how often closed connections are swept")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "grace period for in-flight work on shutdown")

	fs.StringVar(&c.TLSMode, "tls", c.TLSMode, "TLS mode: off, self-signed, acme or custom")
	fs.StringVar(&c.TLSCert, "tls-cert", c.TLSCert, "certificate file for custom TLS")
	fs.StringVar(&c.TLSKey, "tls-key", c.TLSKey, "key file for custom TLS")
	fs.StringSliceVar(&c.ACMEDomains, "acme-domain", c.ACMEDomains, "domain to obtain an ACME certificate for (repeatable)")
	fs.StringVar(&c.ACMEHTTPAddr, "acme-http-addr", c.ACMEHTTPAddr, "listen address for ACME HTTP-01 challenges")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text or json")
	fs.StringVar(&c.Trace, "trace", c.Trace, "trace exporter: off or stdout")

	fs.DurationVar(&c.AgentDelay, "agent-delay", c.AgentDelay, "pause between streamed words")
	fs.DurationVar(&c.ToolDelay, "tool-delay", c.ToolDelay, "simulated tool execution time")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat", c.HeartbeatInterval, "agent heartbeat interval (0 disables)")
	fs.BoolVar(&c.PersistState, "persist-state", c.PersistState, "restore the shared state from the database on start")
}

// ApplyEnv sets every flag the user did not pass from its AGSTREAM_*
// variable, e.g. --data-dir from AGSTREAM_DATA_DIR.
func ApplyEnv(fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		v, ok := os.LookupEnv(EnvName(f.Name))
		if !ok {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

// EnvName returns the environment variable consulted for flag.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// Validate checks the configuration and fills derived fields.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("listen address is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	if c.MaxMessageSize < 125 {
		return fmt.Errorf("max message size must be at least 125 bytes, got %d", c.MaxMessageSize)
	}
	if c.IdleTimeout < 0 || c.HandshakeTimeout < 0 || c.WriteTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}

	mode, err := security.ParseTLSMode(c.TLSMode)
	if err != nil {
		return err
	}
	switch mode {
	case security.TLSModeACME:
		if len(c.ACMEDomains) == 0 {
			return errors.New("--acme-domain is required with --tls=acme")
		}
	case security.TLSModeCustom:
		if c.TLSCert == "" || c.TLSKey == "" {
			return errors.New("--tls-cert and --tls-key are required with --tls=custom")
		}
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.Trace != "off" && c.Trace != "stdout" {
		return fmt.Errorf("unknown trace exporter %q", c.Trace)
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "agstream.db")
	}
	return nil
}

// TLS returns the options for security.SetupTLS.
func (c *Config) TLS() security.TLSOptions {
	mode, _ := security.ParseTLSMode(c.TLSMode)
	return security.TLSOptions{
		Mode:     mode,
		DataDir:  c.DataDir,
		CertFile: c.TLSCert,
		KeyFile:  c.TLSKey,
		Domains:  c.ACMEDomains,
	}
}

// Logger builds the process logger described by LogLevel and LogFormat.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}
