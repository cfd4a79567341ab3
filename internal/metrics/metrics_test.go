package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the counter or gauge value of the series in family name
// whose labels match exactly.
func value(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if !labelsMatch(metric.GetLabel(), labels) {
				continue
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if want[p.GetName()] != p.GetValue() {
			return false
		}
	}
	return true
}

func TestConnectionGauge(t *testing.T) {
	m := New()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()

	assert.Equal(t, 1.0, value(t, m, "agstream_connections", nil))
	assert.Equal(t, 2.0, value(t, m, "agstream_connects_total", nil))
}

func TestLabelledCounters(t *testing.T) {
	m := New()
	m.HandshakeFailed(http.StatusBadRequest)
	m.FrameSent("TEXT", 10)
	m.FrameSent("TEXT", 5)
	m.EventEmitted("STATE_SNAPSHOT", "unicast")
	m.Inbound("ping", "ok", 0.001)
	m.RunCompleted(false)

	assert.Equal(t, 1.0, value(t, m, "agstream_handshake_failures_total", map[string]string{"status": "400"}))
	assert.Equal(t, 2.0, value(t, m, "agstream_frames_sent_total", map[string]string{"opcode": "TEXT"}))
	assert.Equal(t, 15.0, value(t, m, "agstream_bytes_sent_total", nil))
	assert.Equal(t, 1.0, value(t, m, "agstream_events_emitted_total",
		map[string]string{"kind": "STATE_SNAPSHOT", "mode": "unicast"}))
	assert.Equal(t, 1.0, value(t, m, "agstream_inbound_messages_total",
		map[string]string{"type": "ping", "outcome": "ok"}))
	assert.Equal(t, 1.0, value(t, m, "agstream_agent_runs_total", map[string]string{"result": "error"}))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnOpened()
		m.ConnClosed()
		m.HandshakeFailed(400)
		m.FrameReceived("TEXT")
		m.FrameSent("TEXT", 1)
		m.EventEmitted("CUSTOM", "broadcast")
		m.BroadcastFailed()
		m.Inbound("ping", "ok", 0)
		m.RunCompleted(true)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.BroadcastFailed()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "agstream_broadcast_failures_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
