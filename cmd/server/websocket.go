package main

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/avaropoint/agstream/internal/hub"
	"github.com/avaropoint/agstream/internal/protocol"
)

// upgradeWebSocket performs the HTTP to WebSocket handshake per RFC 6455
// and hands the hijacked socket to a Conn in the OPEN state. On a rejected
// handshake it writes the HTTP error itself and returns nil.
func (s *Server) upgradeWebSocket(w http.ResponseWriter, r *http.Request) (*hub.Conn, error) {
	resp, err := protocol.Negotiate(r.Header)
	if err != nil {
		status := http.StatusBadRequest
		var he *protocol.HandshakeError
		if errors.As(err, &he) {
			status = he.Status
		}
		s.metrics.HandshakeFailed(status)
		s.log.Warn("websocket handshake rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), status)
		return nil, nil
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return nil, fmt.Errorf("hijacking not supported")
	}
	nc, rw, err := hj.Hijack()
	if err != nil {
		return nil, fmt.Errorf("hijack: %w", err)
	}

	c := hub.NewConn(nc, s.connOptions())
	// A client may pipeline its first frame behind the request headers.
	if n := rw.Reader.Buffered(); n > 0 {
		b, _ := rw.Reader.Peek(n)
		c.Prime(b)
	}
	if err := c.Accept(resp); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Server) connOptions() hub.Options {
	return hub.Options{
		PollInterval:   s.cfg.PollInterval,
		WriteTimeout:   s.cfg.WriteTimeout,
		IdleTimeout:    s.cfg.IdleTimeout,
		MaxMessageSize: s.cfg.MaxMessageSize,
		Logger:         s.log,
		Metrics:        s.metrics,
	}
}

// handleWS manages the lifecycle of one client connection. The request
// goroutine becomes the connection's receive loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.trackConn() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.conns.Done()

	c, err := s.upgradeWebSocket(w, r)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if c == nil {
		return
	}
	s.serveConn(c)
}

func (s *Server) serveConn(c *hub.Conn) {
	log := s.log.With("conn", c.ID(), "remote", c.RemoteAddr())
	defer c.Close() //nolint:errcheck

	// The welcome is queued before registration so no broadcast can
	// overtake it.
	if err := s.router.Welcome(c); err != nil {
		log.Warn("welcome failed", "error", err)
		return
	}
	s.registry.Register(c)
	log.Info("client connected", "connections", s.registry.Count())

	for {
		text, err := c.Receive()
		if errors.Is(err, hub.ErrNoMessageYet) {
			continue
		}
		if err != nil {
			log.Info("client disconnected", "reason", err)
			return
		}
		s.dispatch(c, text)
	}
}

// dispatch runs one inbound message. A handler panic closes only this
// connection.
func (s *Server) dispatch(c *hub.Conn, text string) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("message handler panic", "conn", c.ID(), "panic", p, "stack", string(debug.Stack()))
			_ = c.CloseWith(protocol.CloseInternalError, "internal error")
		}
	}()
	_ = s.router.Dispatch(s.ctx, c, text)
}
