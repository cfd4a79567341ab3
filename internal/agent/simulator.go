// Package agent provides the scripted assistant that answers user
// messages when no language model is attached. It speaks only through
// events: every turn is framed by RUN_STARTED and RUN_FINISHED (or
// RUN_ERROR), streams its reply word by word, and reports its status as
// state deltas.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avaropoint/agstream/internal/event"
	"github.com/avaropoint/agstream/internal/version"
)

// Emitter delivers events to clients.
type Emitter interface {
	Emit(ctx context.Context, ev event.Event) error
}

// Agent status values published under agent_state.status.
const (
	StatusReady      = "ready"
	StatusProcessing = "processing"
)

const agentName = "AG-UI Assistant"

// Options tunes the simulator. Zero delays make turns instantaneous.
type Options struct {
	// TypingDelay is the pause after each streamed word.
	TypingDelay time.Duration
	// ToolDelay is the simulated tool execution time.
	ToolDelay time.Duration
	// Rand drives template choice and tool results; seeded randomly when nil.
	Rand   *rand.Rand
	Logger *slog.Logger
}

// Turn is one entry of the conversation history.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	MessageID string    `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
}

// Simulator is a keyword-driven assistant. Turns are serialized.
type Simulator struct {
	emit Emitter
	opts Options
	log  *slog.Logger

	turnMu sync.Mutex

	mu           sync.Mutex
	rng          *rand.Rand
	history      []Turn
	status       string
	started      time.Time
	lastActivity time.Time
}

// New returns a Simulator that emits through e.
func New(e Emitter, opts Options) *Simulator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	t0 := time.Now()
	return &Simulator{
		emit:         e,
		opts:         opts,
		log:          opts.Logger.With("component", "agent"),
		rng:          rng,
		status:       StatusReady,
		started:      t0,
		lastActivity: t0,
	}
}

// InitialState is the shared state describing an idle agent with an
// empty conversation.
func (s *Simulator) InitialState() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"agent_state":         s.agentStateLocked(),
		"conversation_length": len(s.history),
		"available_tools":     toolNames(),
	}
}

func (s *Simulator) agentStateLocked() map[string]any {
	return map[string]any{
		"name":          agentName,
		"version":       version.Version,
		"capabilities":  []any{"text_generation", "tool_calling", "state_management"},
		"status":        s.status,
		"last_activity": event.Seconds(s.lastActivity),
	}
}

// History returns a copy of the conversation so far.
func (s *Simulator) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.history...)
}

// Status returns the current agent status.
func (s *Simulator) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// HandleUserMessage runs one turn for content.
func (s *Simulator) HandleUserMessage(ctx context.Context, content string) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	runID := "run_" + uuid.NewString()
	log := s.log.With("run", runID)
	log.Info("agent turn started", "input", content)

	if err := s.emit.Emit(ctx, event.RunStarted{Meta: now(), RunID: runID}); err != nil {
		return err
	}

	s.mu.Lock()
	s.history = append(s.history, Turn{Role: "user", Content: content, At: time.Now()})
	s.mu.Unlock()

	err := s.setStatus(ctx, StatusProcessing)
	if err == nil {
		err = s.respond(ctx, content)
	}
	if err != nil {
		log.Warn("agent turn failed", "error", err)
		// The status must not stay "processing" after a failed turn.
		_ = s.setStatus(context.WithoutCancel(ctx), StatusReady)
		if emitErr := s.emit.Emit(context.WithoutCancel(ctx), event.RunError{Meta: now(), RunID: runID, Error: err.Error()}); emitErr != nil {
			log.Warn("emit run error", "error", emitErr)
		}
		return fmt.Errorf("run %s: %w", runID, err)
	}

	if err := s.setStatus(ctx, StatusReady); err != nil {
		return err
	}
	log.Info("agent turn finished")
	return s.emit.Emit(ctx, event.RunFinished{Meta: now(), RunID: runID})
}

// Reset clears the conversation and republishes the whole state.
func (s *Simulator) Reset(ctx context.Context) error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.Lock()
	s.history = nil
	s.status = StatusReady
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if err := s.emit.Emit(ctx, event.StateSnapshot{Meta: now(), State: s.InitialState()}); err != nil {
		return err
	}
	s.log.Info("conversation reset")
	return s.emit.Emit(ctx, event.Custom{Meta: now(), Data: map[string]any{
		"event_type": "conversation_reset",
		"message":    "Conversation reset",
	}})
}

// Run emits a heartbeat CUSTOM event every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.mu.Lock()
			status := s.status
			uptime := time.Since(s.started).Seconds()
			s.mu.Unlock()

			if err := s.emit.Emit(ctx, event.Custom{Meta: now(), Data: map[string]any{
				"event_type":   "heartbeat",
				"agent_status": status,
				"uptime":       uptime,
			}}); err != nil {
				s.log.Warn("emit heartbeat", "error", err)
			}
		}
	}
}

func (s *Simulator) setStatus(ctx context.Context, status string) error {
	s.mu.Lock()
	s.status = status
	s.lastActivity = time.Now()
	delta := map[string]any{
		"agent_state": map[string]any{
			"status":        status,
			"last_activity": event.Seconds(s.lastActivity),
		},
		"conversation_length": len(s.history),
	}
	s.mu.Unlock()

	return s.emit.Emit(ctx, event.StateDelta{Meta: now(), Delta: delta})
}

func (s *Simulator) respond(ctx context.Context, content string) error {
	if name, args, ok := pickTool(content); ok {
		return s.callTool(ctx, name, args)
	}
	k := classify(content)
	reply := s.template(k)
	if k == kindDefault {
		reply += fmt.Sprintf(" You mentioned %q, which is worth digging into.", content)
	}
	return s.stream(ctx, reply)
}

func (s *Simulator) callTool(ctx context.Context, name string, args map[string]any) error {
	callID := "call_" + uuid.NewString()
	if err := s.emit.Emit(ctx, event.ToolCallStart{Meta: now(), CallID: callID, ToolName: name, Arguments: args}); err != nil {
		return err
	}
	if err := sleep(ctx, s.opts.ToolDelay); err != nil {
		return err
	}

	s.mu.Lock()
	result := s.runTool(name, args)
	s.mu.Unlock()

	if err := s.emit.Emit(ctx, event.ToolCallEnd{Meta: now(), CallID: callID, ToolName: name, Result: result}); err != nil {
		return err
	}
	return s.stream(ctx, describeResult(name, result))
}

// stream emits reply as START, one CONTENT per word, and END carrying the
// full text.
func (s *Simulator) stream(ctx context.Context, reply string) error {
	msgID := "assistant_" + uuid.NewString()
	if err := s.emit.Emit(ctx, event.TextMessageStart{Meta: now(), MessageID: msgID, Role: "assistant"}); err != nil {
		return err
	}

	words := strings.Fields(reply)
	var full strings.Builder
	for i, w := range words {
		chunk := w
		if i < len(words)-1 {
			chunk += " "
		}
		full.WriteString(chunk)
		if err := s.emit.Emit(ctx, event.TextMessageContent{Meta: now(), MessageID: msgID, Content: chunk}); err != nil {
			return err
		}
		if err := sleep(ctx, s.opts.TypingDelay); err != nil {
			return err
		}
	}

	text := full.String()
	if err := s.emit.Emit(ctx, event.TextMessageEnd{Meta: now(), MessageID: msgID, Content: text}); err != nil {
		return err
	}

	s.mu.Lock()
	s.history = append(s.history, Turn{Role: "assistant", Content: text, MessageID: msgID, At: time.Now()})
	s.mu.Unlock()
	return nil
}

// intn returns a pseudo-random int in [lo, hi]. Callers hold s.mu.
func (s *Simulator) intn(lo, hi int) int {
	return lo + s.rng.IntN(hi-lo+1)
}

func (s *Simulator) template(k kind) string {
	choices := templates[k]
	s.mu.Lock()
	defer s.mu.Unlock()
	return choices[s.rng.IntN(len(choices))]
}

func now() event.Meta { return event.Meta{At: time.Now()} }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
