// Command client is a terminal chat client for the AG-UI server. Lines
// typed on stdin become user messages; /state, /ping, /reset and /quit
// are commands.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/avaropoint/agstream/internal/version"
)

// reconnectDelay is the pause between connection attempts.
const reconnectDelay = 5 * time.Second

func main() {
	var (
		serverURL string
		insecure  bool
		caFile    string
		verbose   bool
		reconnect bool
	)

	cmd := &cobra.Command{
		Use:     "agclient",
		Short:   "Chat with an agstream server from the terminal",
		Version: version.Version,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tlsCfg, err := clientTLS(insecure, caFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := &session{
				serverURL: serverURL,
				tls:       tlsCfg,
				out:       &renderer{w: cmd.OutOrStdout(), verbose: verbose},
				log:       slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil)),
				lines:     readLines(cmd.InOrStdin()),
			}
			for {
				err := s.run(ctx)
				if err == nil || errors.Is(err, errQuit) || ctx.Err() != nil {
					return nil
				}
				s.log.Warn("connection lost", "error", err)
				if !reconnect {
					return err
				}
				s.log.Info("reconnecting", "in", reconnectDelay)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(reconnectDelay):
				}
			}
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&serverURL, "server", "ws://localhost:8000/ws", "server WebSocket URL")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().StringVar(&caFile, "ca", "", "PEM file with the CA to trust (e.g. the server's data/ca.crt)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show state deltas and heartbeats")
	cmd.Flags().BoolVar(&reconnect, "reconnect", true, "reconnect after the connection drops")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var errQuit = errors.New("quit")

// session is one interactive run, possibly spanning several connections.
type session struct {
	serverURL string
	tls       *tls.Config
	out       *renderer
	log       *slog.Logger
	lines     <-chan string
}

// run connects once and pumps events and input until the connection
// ends. It returns errQuit when the user quits or stdin closes.
func (s *session) run(ctx context.Context) error {
	c, err := Dial(ctx, s.serverURL, s.tls)
	if err != nil {
		return err
	}
	defer c.Close() //nolint:errcheck
	s.log.Info("connected", "server", s.serverURL)

	events := make(chan map[string]any)
	readErr := make(chan error, 1)
	go func() {
		for {
			ev, err := c.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return errors.New("server closed the connection")
			}
			return err
		case ev := <-events:
			s.out.render(ev)
		case line, ok := <-s.lines:
			if !ok || line == "/quit" {
				return errQuit
			}
			msg, send := command(line)
			if !send {
				continue
			}
			if err := c.Send(msg); err != nil {
				return err
			}
		}
	}
}

func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

func clientTLS(insecure bool, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS13}
	if insecure {
		cfg.InsecureSkipVerify = true //nolint:gosec
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
