package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/avaropoint/agstream/internal/event"
	"github.com/avaropoint/agstream/internal/hub"
)

type member struct {
	id string

	mu  sync.Mutex
	got []string
}

func (m *member) ID() string   { return m.id }
func (m *member) Close() error { return nil }
func (m *member) Open() bool   { return true }

func (m *member) Send(text string) error {
	m.mu.Lock()
	m.got = append(m.got, text)
	m.mu.Unlock()
	return nil
}

func (m *member) messages(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.got))
	for _, s := range m.got {
		var v map[string]any
		require.NoError(t, json.Unmarshal([]byte(s), &v))
		out = append(out, v)
	}
	return out
}

type fakeAgent struct {
	mu     sync.Mutex
	inputs []string
	resets int
}

func (a *fakeAgent) HandleUserMessage(_ context.Context, content string) error {
	a.mu.Lock()
	a.inputs = append(a.inputs, content)
	a.mu.Unlock()
	return nil
}

func (a *fakeAgent) Reset(context.Context) error {
	a.mu.Lock()
	a.resets++
	a.mu.Unlock()
	return nil
}

type fakePersister struct {
	mu       sync.Mutex
	states   []map[string]any
	messages []string
	runs     []string
}

func (p *fakePersister) SaveState(_ context.Context, state map[string]any) error {
	p.mu.Lock()
	p.states = append(p.states, state)
	p.mu.Unlock()
	return nil
}

func (p *fakePersister) AppendMessage(_ context.Context, id, role, content string) error {
	p.mu.Lock()
	p.messages = append(p.messages, role+":"+content)
	p.mu.Unlock()
	return nil
}

func (p *fakePersister) RecordRun(_ context.Context, runID, status, _ string) error {
	p.mu.Lock()
	p.runs = append(p.runs, runID+":"+status)
	p.mu.Unlock()
	return nil
}

func (p *fakePersister) ClearMessages(context.Context) error {
	p.mu.Lock()
	p.messages = nil
	p.mu.Unlock()
	return nil
}

type fixture struct {
	router *Router
	reg    *hub.Registry
	a, b   *member
	agent  *fakeAgent
	store  *fakePersister
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := hub.NewRegistry(nil, nil)
	f := &fixture{
		reg:   reg,
		a:     &member{id: "a"},
		b:     &member{id: "b"},
		agent: &fakeAgent{},
		store: &fakePersister{},
	}
	reg.Register(f.a)
	reg.Register(f.b)

	f.router = New(Options{
		Registry:  reg,
		State:     event.NewState(map[string]any{"counter": 1.0}),
		Persister: f.store,
	})
	f.router.SetAgent(f.agent)
	return f
}

func TestGetStateIsUnicast(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.router.Dispatch(context.Background(), f.a, `{"type":"get_state"}`))

	got := f.a.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, "STATE_SNAPSHOT", got[0]["type"])
	assert.Equal(t, map[string]any{"counter": 1.0}, got[0]["state"])
	assert.Empty(t, f.b.messages(t))
}

func TestPingIsUnicast(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.router.Dispatch(context.Background(), f.b, `{"type":"ping"}`))

	got := f.b.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, "pong", got[0]["type"])
	assert.Contains(t, got[0], "timestamp")
	assert.Empty(t, f.a.messages(t))
}

func TestUserMessageBroadcastsAndInvokesAgent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.router.Dispatch(context.Background(), f.a, `{"type":"user_message","content":"hello"}`))
	f.router.Wait()

	for _, m := range []*member{f.a, f.b} {
		got := m.messages(t)
		require.Len(t, got, 1)
		assert.Equal(t, "TEXT_MESSAGE_START", got[0]["type"])
		assert.Equal(t, "user", got[0]["role"])
		assert.Equal(t, "hello", got[0]["content"])
		assert.True(t, strings.HasPrefix(got[0]["message_id"].(string), "user_"))
	}

	assert.Equal(t, []string{"hello"}, f.agent.inputs)
	assert.Equal(t, []string{"user:hello"}, f.store.messages)
}

func TestEmptyUserMessageIgnored(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.router.Dispatch(context.Background(), f.a, `{"type":"user_message","content":"  "}`))
	require.NoError(t, f.router.Dispatch(context.Background(), f.a, `{"type":"user_message"}`))
	f.router.Wait()

	assert.Empty(t, f.a.messages(t))
	assert.Empty(t, f.agent.inputs)
}

func TestInvalidAndUnknownMessagesAreDropped(t *testing.T) {
	f := newFixture(t)

	assert.NoError(t, f.router.Dispatch(context.Background(), f.a, `{not json`))
	assert.NoError(t, f.router.Dispatch(context.Background(), f.a, `{"type":"teleport"}`))
	assert.Empty(t, f.a.messages(t))
	assert.Equal(t, 2, f.reg.Count())
}

func TestResetInvokesAgent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.router.Dispatch(context.Background(), f.a, `{"type":"reset"}`))
	f.router.Wait()
	assert.Equal(t, 1, f.agent.resets)
}

func TestCustomHandler(t *testing.T) {
	f := newFixture(t)

	var seen Message
	f.router.Handle("echo", func(_ context.Context, m hub.Member, msg Message) error {
		seen = msg
		return m.Send(msg.Content)
	})

	require.NoError(t, f.router.Dispatch(context.Background(), f.a, `{"type":"echo","content":"x","extra":1}`))
	assert.Equal(t, "echo", seen.Type)
	assert.JSONEq(t, `{"type":"echo","content":"x","extra":1}`, string(seen.Raw))
}

func TestEmitAppliesStateAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Emit(ctx, event.StateDelta{Delta: map[string]any{"counter": nil, "agent": map[string]any{"status": "ready"}}}))
	require.NoError(t, f.router.Emit(ctx, event.RunStarted{RunID: "r1"}))
	require.NoError(t, f.router.Emit(ctx, event.TextMessageEnd{MessageID: "m1", Content: "done"}))
	require.NoError(t, f.router.Emit(ctx, event.RunFinished{RunID: "r1"}))

	want := map[string]any{"agent": map[string]any{"status": "ready"}}
	assert.Equal(t, want, f.router.State().Snapshot())
	require.Len(t, f.store.states, 1)
	assert.Equal(t, want, f.store.states[0])
	assert.Equal(t, []string{"assistant:done"}, f.store.messages)
	assert.Equal(t, []string{"r1:started", "r1:finished"}, f.store.runs)

	assert.Len(t, f.a.messages(t), 4)
	assert.Len(t, f.b.messages(t), 4)
}

func TestWelcome(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.router.Welcome(f.b))

	got := f.b.messages(t)
	require.Len(t, got, 1)
	assert.Equal(t, "CUSTOM", got[0]["type"])
	data := got[0]["data"].(map[string]any)
	assert.Equal(t, WelcomeMessage, data["message"])
	assert.Equal(t, "b", data["connection_id"])
	assert.Greater(t, data["timestamp"], 0.0)
	assert.Empty(t, f.a.messages(t))
}

func TestConversationResetClearsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Emit(ctx, event.TextMessageStart{MessageID: "user_1", Role: "user", Content: "hi"}))
	require.Len(t, f.store.messages, 1)

	require.NoError(t, f.router.Emit(ctx, event.Custom{Data: map[string]any{"event_type": "heartbeat"}}))
	require.Len(t, f.store.messages, 1)

	require.NoError(t, f.router.Emit(ctx, event.Custom{Data: map[string]any{"event_type": "conversation_reset"}}))
	assert.Empty(t, f.store.messages)
}

func TestShutdownStopsNewTurns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Dispatch(ctx, f.a, `{"type":"user_message","content":"first"}`))
	f.router.Shutdown()

	require.NoError(t, f.router.Dispatch(ctx, f.a, `{"type":"user_message","content":"late"}`))
	require.NoError(t, f.router.Dispatch(ctx, f.a, `{"type":"reset"}`))
	f.router.Wait()

	assert.Equal(t, []string{"first"}, f.agent.inputs)
	assert.Zero(t, f.agent.resets)
}

func TestCancelledBaseContextSkipsTurns(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	cancel()

	reg := hub.NewRegistry(nil, nil)
	a := &member{id: "a"}
	reg.Register(a)
	agent := &fakeAgent{}
	r := New(Options{Registry: reg, State: event.NewState(nil), BaseContext: base})
	r.SetAgent(agent)

	require.NoError(t, r.Dispatch(context.Background(), a, `{"type":"user_message","content":"hi"}`))
	r.Wait()

	assert.Empty(t, agent.inputs)
	assert.Len(t, a.messages(t), 1, "the user message is still broadcast")
}

func TestDispatchSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	reg := hub.NewRegistry(nil, nil)
	a := &member{id: "a"}
	reg.Register(a)
	r := New(Options{Registry: reg, State: event.NewState(nil), Tracer: tp.Tracer("test")})
	r.Handle("fail", func(context.Context, hub.Member, Message) error {
		return errors.New("boom")
	})

	ctx := context.Background()
	require.NoError(t, r.Dispatch(ctx, a, `{"type":"ping"}`))
	require.Error(t, r.Dispatch(ctx, a, `{"type":"fail"}`))
	require.NoError(t, r.Dispatch(ctx, a, `{"type":"teleport"}`))
	require.NoError(t, r.Dispatch(ctx, a, `{bad`))

	spans := rec.Ended()
	require.Len(t, spans, 2, "unknown and invalid messages are not traced")
	for i, typ := range []string{"ping", "fail"} {
		span := spans[i]
		assert.Equal(t, "router.dispatch", span.Name())
		attrs := attribute.NewSet(span.Attributes()...)
		v, ok := attrs.Value("message.type")
		require.True(t, ok)
		assert.Equal(t, typ, v.AsString())
		v, ok = attrs.Value("conn.id")
		require.True(t, ok)
		assert.Equal(t, "a", v.AsString())
	}

	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
	require.Len(t, spans[1].Events(), 1)
	assert.Equal(t, "exception", spans[1].Events()[0].Name)
}
