package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/avaropoint/agstream/internal/agent"
	"github.com/avaropoint/agstream/internal/event"
	"github.com/avaropoint/agstream/internal/security"
	"github.com/avaropoint/agstream/internal/store"
	"github.com/avaropoint/agstream/internal/version"
)

var features = []string{"websocket", "text_streaming", "tool_calls", "shared_state", "state_deltas"}

const defaultListLimit = 100

// handleStatus reports liveness and connection counts.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "running",
		"connections":      s.registry.Count(),
		"protocol_version": version.ProtocolVersion,
		"features":         features,
		"version":          version.Version,
		"agent_status":     s.agent.Status(),
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
	})
}

// handleState returns the current shared state.
func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":     s.router.State().Snapshot(),
		"timestamp": event.Seconds(time.Now()),
	})
}

// handleEvents accepts one outbound event envelope from an external
// producer and emits it to every client, applying state events first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxMessageSize)))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "event too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	ev, err := event.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.router.Emit(r.Context(), ev); err != nil {
		s.log.Error("emit external event", "kind", ev.Kind(), "error", err)
		writeError(w, http.StatusInternalServerError, "emit failed")
		return
	}

	log := s.log.With("kind", ev.Kind(), "remote", r.RemoteAddr)
	if k, ok := security.KeyFromContext(r.Context()); ok {
		log = log.With("api_key", k.Prefix)
	}
	log.Info("external event emitted")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "accepted",
		"type":        ev.Kind(),
		"connections": s.registry.Count(),
	})
}

// handleMessages returns the conversation, oldest first: the persisted
// log when there is a store, otherwise the agent's in-memory history.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, historyRecords(s.agent.History(), limit))
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), limit)
	if err != nil {
		s.log.Error("list messages", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []*store.MessageRecord{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleRuns returns recent agent runs, newest first.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []*store.RunRecord{})
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Error("list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*store.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// historyRecords converts the last limit turns (all when limit is 0).
func historyRecords(turns []agent.Turn, limit int) []*store.MessageRecord {
	first := 0
	if limit > 0 && len(turns) > limit {
		first = len(turns) - limit
	}
	out := make([]*store.MessageRecord, 0, len(turns)-first)
	for i := first; i < len(turns); i++ {
		t := turns[i]
		out = append(out, &store.MessageRecord{
			ID:        int64(i + 1),
			MessageID: t.MessageID,
			Role:      t.Role,
			Content:   t.Content,
			CreatedAt: t.At,
		})
	}
	return out
}

// handleCACert serves the self-signed CA so clients can trust it, e.g.
// with agclient --ca.
func (s *Server) handleCACert(w http.ResponseWriter, _ *http.Request) {
	data, err := security.ReadCACert(s.tlsPaths)
	if err != nil {
		s.log.Error("read CA certificate", "error", err)
		writeError(w, http.StatusInternalServerError, "CA certificate unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="ca.crt"`)
	w.Write(data) //nolint:errcheck
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
