package agent

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaropoint/agstream/internal/event"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Emit(_ context.Context, ev event.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) kinds() []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind()
	}
	return out
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func newSim(rec *recorder) *Simulator {
	return New(rec, Options{Rand: rand.New(rand.NewPCG(1, 2))})
}

func TestTextTurnEventSequence(t *testing.T) {
	rec := &recorder{}
	sim := newSim(rec)

	require.NoError(t, sim.HandleUserMessage(context.Background(), "hello there"))

	kinds := rec.kinds()
	require.GreaterOrEqual(t, len(kinds), 7)
	assert.Equal(t, []event.Kind{
		event.KindRunStarted,
		event.KindStateDelta,
		event.KindTextMessageStart,
	}, kinds[:3])
	assert.Equal(t, []event.Kind{
		event.KindTextMessageEnd,
		event.KindStateDelta,
		event.KindRunFinished,
	}, kinds[len(kinds)-3:])
	for _, k := range kinds[3 : len(kinds)-3] {
		assert.Equal(t, event.KindTextMessageContent, k)
	}

	evs := rec.all()
	started := evs[0].(event.RunStarted)
	finished := evs[len(evs)-1].(event.RunFinished)
	assert.Equal(t, started.RunID, finished.RunID)

	processing := evs[1].(event.StateDelta)
	assert.Equal(t, StatusProcessing, processing.Delta["agent_state"].(map[string]any)["status"])
	ready := evs[len(evs)-2].(event.StateDelta)
	assert.Equal(t, StatusReady, ready.Delta["agent_state"].(map[string]any)["status"])
	assert.Equal(t, 2, ready.Delta["conversation_length"])

	start := evs[2].(event.TextMessageStart)
	assert.Equal(t, "assistant", start.Role)

	var streamed strings.Builder
	for _, ev := range evs[3 : len(evs)-3] {
		c := ev.(event.TextMessageContent)
		assert.Equal(t, start.MessageID, c.MessageID)
		streamed.WriteString(c.Content)
	}
	end := evs[len(evs)-3].(event.TextMessageEnd)
	assert.Equal(t, streamed.String(), end.Content)
	assert.Contains(t, templates[kindGreeting], end.Content)

	history := sim.History()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, StatusReady, sim.Status())
}

func TestCalculateToolTurn(t *testing.T) {
	rec := &recorder{}
	sim := newSim(rec)

	require.NoError(t, sim.HandleUserMessage(context.Background(), "please calculate 2 + 3 * 4"))

	var startEv event.ToolCallStart
	var endEv event.ToolCallEnd
	var reply event.TextMessageEnd
	for _, ev := range rec.all() {
		switch e := ev.(type) {
		case event.ToolCallStart:
			startEv = e
		case event.ToolCallEnd:
			endEv = e
		case event.TextMessageEnd:
			reply = e
		}
	}

	assert.Equal(t, ToolCalculate, startEv.ToolName)
	assert.Equal(t, map[string]any{"expression": "2 + 3 * 4"}, startEv.Arguments)
	assert.Equal(t, startEv.CallID, endEv.CallID)
	assert.Equal(t, map[string]any{"expression": "2 + 3 * 4", "result": 14.0}, endEv.Result)
	assert.Equal(t, "Result: 2 + 3 * 4 = 14", reply.Content)
}

func TestWeatherAndSearchTools(t *testing.T) {
	rec := &recorder{}
	sim := newSim(rec)

	require.NoError(t, sim.HandleUserMessage(context.Background(), "What's the weather in Paris?"))
	require.NoError(t, sim.HandleUserMessage(context.Background(), "search golang websockets"))

	var results []map[string]any
	for _, ev := range rec.all() {
		if e, ok := ev.(event.ToolCallEnd); ok {
			results = append(results, e.Result.(map[string]any))
		}
	}
	require.Len(t, results, 2)

	weather := results[0]
	assert.Equal(t, "Paris", weather["city"])
	temp := weather["temperature"].(int)
	assert.True(t, temp >= 15 && temp <= 30, "temperature %d out of range", temp)

	search := results[1]
	assert.Equal(t, "golang websockets", search["query"])
	assert.Len(t, search["results"], 3)
}

func TestCancelledTurnEmitsRunError(t *testing.T) {
	rec := &recorder{}
	sim := newSim(rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sim.HandleUserMessage(ctx, "hello")
	require.ErrorIs(t, err, context.Canceled)

	kinds := rec.kinds()
	assert.Equal(t, event.KindRunError, kinds[len(kinds)-1])
	assert.NotContains(t, kinds, event.KindRunFinished)
	assert.Equal(t, StatusReady, sim.Status())
}

func TestReset(t *testing.T) {
	rec := &recorder{}
	sim := newSim(rec)
	require.NoError(t, sim.HandleUserMessage(context.Background(), "hi"))
	rec.events = nil

	require.NoError(t, sim.Reset(context.Background()))

	evs := rec.all()
	require.Len(t, evs, 2)
	snap := evs[0].(event.StateSnapshot)
	assert.Equal(t, 0, snap.State["conversation_length"])
	assert.Equal(t, []any{ToolWeather, ToolCalculate, ToolSearch}, snap.State["available_tools"])
	custom := evs[1].(event.Custom)
	assert.Equal(t, "conversation_reset", custom.Data["event_type"])
	assert.Empty(t, sim.History())
}

func TestHeartbeat(t *testing.T) {
	rec := &recorder{}
	sim := newSim(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sim.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(rec.kinds()) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	hb := rec.all()[0].(event.Custom)
	assert.Equal(t, "heartbeat", hb.Data["event_type"])
	assert.Equal(t, StatusReady, hb.Data["agent_status"])
}

func TestClassify(t *testing.T) {
	tests := []struct {
		in   string
		want kind
	}{
		{"Hello!", kindGreeting},
		{"你好", kindGreeting},
		{"can you help me", kindHelp},
		{"what can you do?", kindHelp},
		{"show me a demo", kindToolDemo},
		{"this is something else", kindDefault},
		{"thinking", kindDefault},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.in), tt.in)
	}
}

func TestPickTool(t *testing.T) {
	tests := []struct {
		in   string
		tool string
		args map[string]any
	}{
		{"weather please", ToolWeather, map[string]any{"city": defaultCity}},
		{"weather for Tokyo", ToolWeather, map[string]any{"city": "Tokyo"}},
		{"calculate (1+2)/3", ToolCalculate, map[string]any{"expression": "(1+2)/3"}},
		{"calculate something", ToolCalculate, map[string]any{"expression": defaultExpression}},
		{"search", ToolSearch, map[string]any{"query": defaultQuery}},
		{"Search for AG-UI events", ToolSearch, map[string]any{"query": "AG-UI events"}},
	}
	for _, tt := range tests {
		name, args, ok := pickTool(tt.in)
		require.True(t, ok, tt.in)
		assert.Equal(t, tt.tool, name, tt.in)
		assert.Equal(t, tt.args, args, tt.in)
	}

	_, _, ok := pickTool("tell me a story")
	assert.False(t, ok)
}
