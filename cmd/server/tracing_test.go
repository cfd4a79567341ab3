package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

type silentMember struct{}

func (silentMember) ID() string        { return "tracing-test" }
func (silentMember) Send(string) error { return nil }
func (silentMember) Close() error      { return nil }
func (silentMember) Open() bool        { return true }

func TestStdoutTracingExportsDispatchSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := setupTracing("stdout", &buf)
	require.NoError(t, err)

	srv, err := NewServer(testConfig(t), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer srv.Close()

	require.NoError(t, srv.router.Dispatch(context.Background(), silentMember{}, `{"type":"ping"}`))
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"Name":"router.dispatch"`)
	assert.Contains(t, out, "message.type")
	assert.Contains(t, out, "tracing-test")
	assert.Contains(t, out, "agstream")
}

func TestSetupTracingOff(t *testing.T) {
	shutdown, err := setupTracing("off", io.Discard)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = setupTracing("zipkin", io.Discard)
	assert.Error(t, err)
}
