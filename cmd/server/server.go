package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/avaropoint/agstream/internal/agent"
	"github.com/avaropoint/agstream/internal/config"
	"github.com/avaropoint/agstream/internal/event"
	"github.com/avaropoint/agstream/internal/hub"
	"github.com/avaropoint/agstream/internal/metrics"
	"github.com/avaropoint/agstream/internal/router"
	"github.com/avaropoint/agstream/internal/security"
	"github.com/avaropoint/agstream/internal/store"
)

// Server owns the connection registry, the message router, and the
// simulated agent, and exposes them over HTTP.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	store    store.Store
	metrics  *metrics.Metrics
	registry *hub.Registry
	router   *router.Router
	agent    *agent.Simulator
	auth     *security.AuthMiddleware
	started  time.Time

	// tlsPaths is set in self-signed mode so clients can fetch the CA.
	tlsPaths *security.TLSPaths

	// conns tracks receive loops, which outlive http.Server.Shutdown
	// because their sockets are hijacked.
	connMu  sync.Mutex
	closing bool
	conns   sync.WaitGroup

	// ctx outlives individual requests; agent turns and the heartbeat
	// run under it.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer wires the server's components. db may be nil, in which case
// nothing is persisted and the write API is open.
func NewServer(cfg config.Config, db store.Store, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:     cfg,
		log:     logger.With("component", "server"),
		store:   db,
		metrics: metrics.New(),
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.registry = hub.NewRegistry(logger, s.metrics)

	state := event.NewState(nil)
	opts := router.Options{
		Registry:    s.registry,
		State:       state,
		Logger:      logger,
		Metrics:     s.metrics,
		BaseContext: ctx,
	}
	if db != nil {
		opts.Persister = db
		s.auth = security.NewAuthMiddleware(db, logger)
	}
	s.router = router.New(opts)

	s.agent = agent.New(s.router, agent.Options{
		TypingDelay: cfg.AgentDelay,
		ToolDelay:   cfg.ToolDelay,
		Logger:      logger,
	})
	s.router.SetAgent(s.agent)

	if err := s.restoreState(state); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// restoreState seeds the shared state from the last saved snapshot, then
// overlays the agent's own keys since its conversation is not restored.
func (s *Server) restoreState(state *event.State) error {
	initial := s.agent.InitialState()
	if s.store == nil || !s.cfg.PersistState {
		state.ApplySnapshot(initial)
		return nil
	}

	saved, err := s.store.LoadState(s.ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if saved == nil {
		state.ApplySnapshot(initial)
		return nil
	}
	state.ApplySnapshot(saved)
	state.ApplyDelta(initial)
	s.log.Info("restored shared state", "keys", len(saved))
	return nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleWS)
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	if s.tlsPaths != nil {
		r.Get("/ca.crt", s.handleCACert)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/state", s.handleState)
		r.Get("/messages", s.handleMessages)
		r.Get("/runs", s.handleRuns)
		if s.auth != nil {
			r.With(s.auth.Handler).Post("/events", s.handleEvents)
		} else {
			r.Post("/events", s.handleEvents)
		}
	})
	return r
}

// Run serves HTTP on ln, and raw WebSocket clients on raw when it is not
// nil, until ctx is cancelled. It then shuts down: both listeners stop
// accepting, every connection gets a going-away close, and in-flight agent
// turns are cancelled and awaited.
func (s *Server) Run(ctx context.Context, ln, raw net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.HandshakeTimeout,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()
	if raw != nil {
		go func() {
			if err := s.ServeRaw(raw); err != nil {
				s.log.Error("raw listener stopped", "error", err)
			}
		}()
	}
	go s.reapLoop()
	go s.agent.Run(s.ctx, s.cfg.HeartbeatInterval)

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	s.log.Info("shutting down", "connections", s.registry.Count())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if raw != nil {
		_ = raw.Close()
	}
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		s.log.Warn("http shutdown", "error", serr)
	}
	s.Close()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Close closes every connection, waits for their receive loops to exit,
// then cancels and awaits agent turns. Run calls it on the way out.
func (s *Server) Close() {
	s.connMu.Lock()
	s.closing = true
	s.connMu.Unlock()

	s.registry.CloseAll()
	s.conns.Wait()
	s.cancel()
	s.router.Shutdown()
}

// trackConn counts a new receive loop unless the server is closing.
func (s *Server) trackConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.conns.Add(1)
	return true
}

// ServeRaw accepts WebSocket clients on ln directly, reading and answering
// the upgrade request without net/http. It returns when ln is closed.
func (s *Server) ServeRaw(ln net.Listener) error {
	s.log.Info("listening for raw websocket clients", "addr", ln.Addr().String())
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.trackConn() {
			_ = nc.Close()
			continue
		}
		go func() {
			defer s.conns.Done()
			c := hub.NewConn(nc, s.connOptions())
			if err := c.Handshake(s.cfg.HandshakeTimeout); err != nil {
				s.log.Warn("raw websocket handshake failed", "remote", nc.RemoteAddr().String(), "error", err)
				return
			}
			s.serveConn(c)
		}()
	}
}

func (s *Server) reapLoop() {
	if s.cfg.ReapInterval <= 0 {
		return
	}
	t := time.NewTicker(s.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if n := s.registry.Reap(); n > 0 {
				s.log.Debug("reaped closed connections", "count", n)
			}
		}
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
