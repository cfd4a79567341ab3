// Package router dispatches inbound client messages by their "type"
// field and is the single path through which events reach the shared
// state, persistence and the connection registry.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/avaropoint/agstream/internal/event"
	"github.com/avaropoint/agstream/internal/hub"
	"github.com/avaropoint/agstream/internal/metrics"
)

// Inbound message types.
const (
	TypePing        = "ping"
	TypeUserMessage = "user_message"
	TypeGetState    = "get_state"
	TypeReset       = "reset"
)

// WelcomeMessage is the text of the CUSTOM event sent to each new client.
const WelcomeMessage = "Welcome to the native AG-UI implementation!"

// Agent produces events in response to user input. Implementations emit
// through the Router they were given.
type Agent interface {
	HandleUserMessage(ctx context.Context, content string) error
	Reset(ctx context.Context) error
}

// Persister records what flows through Emit. Failures are logged and do
// not stop delivery.
type Persister interface {
	SaveState(ctx context.Context, state map[string]any) error
	AppendMessage(ctx context.Context, messageID, role, content string) error
	RecordRun(ctx context.Context, runID, status, errMsg string) error
}

// historyClearer is implemented by persisters that drop the stored
// conversation when the agent resets it.
type historyClearer interface {
	ClearMessages(ctx context.Context) error
}

// Message is a decoded inbound client message.
type Message struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// HandlerFunc handles one inbound message from member m.
type HandlerFunc func(ctx context.Context, m hub.Member, msg Message) error

// Options configures a Router. Registry and State are required.
type Options struct {
	Registry  *hub.Registry
	State     *event.State
	Persister Persister
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer

	// BaseContext is handed to agent turns, which outlive the message
	// that started them. Defaults to context.Background.
	BaseContext context.Context
}

// Router maps inbound message types to handlers.
type Router struct {
	registry  *hub.Registry
	state     *event.State
	persister Persister
	log       *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	baseCtx   context.Context

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	agent    Agent

	// emitMu keeps state application and delivery in one order.
	emitMu sync.Mutex

	turnMu  sync.Mutex
	stopped bool
	turns   sync.WaitGroup
}

// New returns a Router with the built-in handlers registered.
func New(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/avaropoint/agstream/internal/router")
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}

	r := &Router{
		registry:  opts.Registry,
		state:     opts.State,
		persister: opts.Persister,
		log:       opts.Logger.With("component", "router"),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		baseCtx:   opts.BaseContext,
		handlers:  make(map[string]HandlerFunc),
	}
	r.Handle(TypePing, r.handlePing)
	r.Handle(TypeUserMessage, r.handleUserMessage)
	r.Handle(TypeGetState, r.handleGetState)
	r.Handle(TypeReset, r.handleReset)
	return r
}

// SetAgent attaches the collaborator invoked for user messages.
func (r *Router) SetAgent(a Agent) {
	r.mu.Lock()
	r.agent = a
	r.mu.Unlock()
}

// Handle registers fn for messages of type typ, replacing any previous
// handler.
func (r *Router) Handle(typ string, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[typ] = fn
	r.mu.Unlock()
}

// State returns the shared state the router applies events to.
func (r *Router) State() *event.State { return r.state }

// Dispatch decodes one inbound message and runs its handler. Malformed
// JSON and unknown types are logged and dropped; neither closes the
// connection.
func (r *Router) Dispatch(ctx context.Context, m hub.Member, raw string) error {
	start := time.Now()

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		r.log.Warn("invalid JSON message", "conn", m.ID(), "error", err)
		r.metrics.Inbound("invalid", "error", time.Since(start).Seconds())
		return nil
	}
	msg.Raw = json.RawMessage(raw)

	r.mu.RLock()
	fn, ok := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !ok {
		r.log.Debug("ignoring unknown message type", "conn", m.ID(), "type", msg.Type)
		r.metrics.Inbound("unknown", "ignored", time.Since(start).Seconds())
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "router.dispatch", trace.WithAttributes(
		attribute.String("message.type", msg.Type),
		attribute.String("conn.id", m.ID()),
	))
	defer span.End()

	err := fn(ctx, m, msg)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Warn("handler failed", "conn", m.ID(), "type", msg.Type, "error", err)
	}
	r.metrics.Inbound(msg.Type, outcome, time.Since(start).Seconds())
	return err
}

// Welcome sends the greeting CUSTOM event to a newly opened member only.
func (r *Router) Welcome(m hub.Member) error {
	return r.registry.Unicast(m, event.Custom{
		Meta: event.Meta{At: time.Now()},
		Data: map[string]any{
			"message":       WelcomeMessage,
			"connection_id": m.ID(),
			"timestamp":     time.Now().UnixMilli(),
		},
	})
}

// Emit applies state-carrying events to the shared state, persists what
// the persister cares about, and broadcasts ev to every member.
func (r *Router) Emit(ctx context.Context, ev event.Event) error {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	if r.state.Apply(ev) && r.persister != nil {
		if err := r.persister.SaveState(ctx, r.state.Snapshot()); err != nil {
			r.log.Warn("persist state", "error", err)
		}
	}
	r.record(ctx, ev)

	if _, err := r.registry.Broadcast(ev); err != nil {
		return fmt.Errorf("emit: %w", err)
	}
	return nil
}

func (r *Router) record(ctx context.Context, ev event.Event) {
	switch ev.(type) {
	case event.RunFinished:
		r.metrics.RunCompleted(true)
	case event.RunError:
		r.metrics.RunCompleted(false)
	}
	if r.persister == nil {
		return
	}

	var err error
	switch e := ev.(type) {
	case event.TextMessageStart:
		if e.Content != "" {
			err = r.persister.AppendMessage(ctx, e.MessageID, e.Role, e.Content)
		}
	case event.TextMessageEnd:
		if e.Content != "" {
			err = r.persister.AppendMessage(ctx, e.MessageID, "assistant", e.Content)
		}
	case event.RunStarted:
		err = r.persister.RecordRun(ctx, e.RunID, "started", "")
	case event.RunFinished:
		err = r.persister.RecordRun(ctx, e.RunID, "finished", "")
	case event.RunError:
		err = r.persister.RecordRun(ctx, e.RunID, "error", e.Error)
	case event.Custom:
		if c, ok := r.persister.(historyClearer); ok && e.Data["event_type"] == "conversation_reset" {
			err = c.ClearMessages(ctx)
		}
	}
	if err != nil {
		r.log.Warn("persist event", "kind", ev.Kind(), "error", err)
	}
}

// Wait blocks until every agent turn started by Dispatch has returned.
func (r *Router) Wait() { r.turns.Wait() }

// Shutdown stops new agent turns from starting and waits for running
// ones. Messages dispatched afterwards are still handled, but no longer
// reach the agent.
func (r *Router) Shutdown() {
	r.turnMu.Lock()
	r.stopped = true
	r.turnMu.Unlock()
	r.turns.Wait()
}

func (r *Router) handlePing(_ context.Context, m hub.Member, _ Message) error {
	pong, err := json.Marshal(map[string]any{
		"type":      "pong",
		"timestamp": event.Seconds(time.Now()),
	})
	if err != nil {
		return err
	}
	return r.registry.SendTo(m, string(pong))
}

func (r *Router) handleUserMessage(ctx context.Context, _ hub.Member, msg Message) error {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil
	}

	now := time.Now()
	if err := r.Emit(ctx, event.TextMessageStart{
		Meta:      event.Meta{At: now},
		MessageID: fmt.Sprintf("user_%d", now.UnixMilli()),
		Role:      "user",
		Content:   content,
	}); err != nil {
		return err
	}

	r.runAgent("user message", func(ctx context.Context, a Agent) error {
		return a.HandleUserMessage(ctx, content)
	})
	return nil
}

func (r *Router) handleGetState(_ context.Context, m hub.Member, _ Message) error {
	return r.registry.Unicast(m, event.StateSnapshot{
		Meta:  event.Meta{At: time.Now()},
		State: r.state.Snapshot(),
	})
}

func (r *Router) handleReset(_ context.Context, _ hub.Member, _ Message) error {
	r.runAgent("reset", func(ctx context.Context, a Agent) error {
		return a.Reset(ctx)
	})
	return nil
}

// runAgent runs fn on its own goroutine with the router's base context.
// Turns are tracked by Wait.
func (r *Router) runAgent(what string, fn func(context.Context, Agent) error) {
	r.mu.RLock()
	a := r.agent
	r.mu.RUnlock()
	if a == nil {
		return
	}

	r.turnMu.Lock()
	if r.stopped || r.baseCtx.Err() != nil {
		r.turnMu.Unlock()
		r.log.Debug("agent turn skipped during shutdown", "op", what)
		return
	}
	r.turns.Add(1)
	r.turnMu.Unlock()
	go func() {
		defer r.turns.Done()
		if err := fn(r.baseCtx, a); err != nil {
			r.log.Error("agent failed", "op", what, "error", err)
		}
	}()
}
