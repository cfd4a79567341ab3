// Command server runs the AG-UI event server: a WebSocket endpoint that
// streams agent events to every connected client, plus a small HTTP API.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/avaropoint/agstream/internal/config"
	"github.com/avaropoint/agstream/internal/security"
	"github.com/avaropoint/agstream/internal/store"
	"github.com/avaropoint/agstream/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agstream",
		Short: "AG-UI event server over native WebSockets",
		Long: `agstream serves the AG-UI event protocol over a hand-built RFC 6455
WebSocket endpoint. Every connected client receives the same ordered
stream of agent events, and all clients share one state document.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		apikeyCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		Long: `Run the WebSocket endpoint and HTTP API.

Every flag can also be set from the environment, e.g. --data-dir from
AGSTREAM_DATA_DIR. Flags win over the environment.

Examples:
  agstream serve
  agstream serve --addr :8443 --tls self-signed
  agstream serve --tls acme --acme-domain agui.example.com`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ApplyEnv(cmd.Flags()); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cfg.Bind(cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting", "version", version.Version, "commit", version.Commit, "built", version.BuildTime)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Binding the listener is the only fatal startup step.
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	tlsRes, err := security.SetupTLS(cfg.TLS())
	if err != nil {
		ln.Close() //nolint:errcheck
		return fmt.Errorf("tls: %w", err)
	}
	if tlsRes.Config != nil {
		ln = tls.NewListener(ln, tlsRes.Config)
		logger.Info("tls enabled", "mode", tlsRes.Mode)
		if tlsRes.Paths != nil {
			logger.Info("clients must trust the generated CA", "ca", tlsRes.Paths.CACertPath)
		}
	}
	if tlsRes.ACMEManager != nil {
		go serveACMEChallenges(logger, cfg.ACMEHTTPAddr, tlsRes.ACMEManager.HTTPHandler(nil))
	}

	var raw net.Listener
	if cfg.RawAddr != "" {
		if raw, err = net.Listen("tcp", cfg.RawAddr); err != nil {
			ln.Close() //nolint:errcheck
			return fmt.Errorf("listen on %s: %w", cfg.RawAddr, err)
		}
	}
	closeListeners := func() {
		ln.Close() //nolint:errcheck
		if raw != nil {
			raw.Close() //nolint:errcheck
		}
	}

	shutdownTracing, err := setupTracing(cfg.Trace, os.Stdout)
	if err != nil {
		closeListeners()
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		closeListeners()
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close() //nolint:errcheck

	srv, err := NewServer(cfg, db, logger)
	if err != nil {
		closeListeners()
		return err
	}
	srv.tlsPaths = tlsRes.Paths
	return srv.Run(ctx, ln, raw)
}

func serveACMEChallenges(logger *slog.Logger, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("acme challenge listener", "addr", addr, "error", err)
	}
}

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version.Version)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	return cmd
}
