package export

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/queuetap/internal/version"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	return log
}

func startHealth(t *testing.T) *HealthMetrics {
	t.Helper()

	h := NewHealthMetrics(testLog(), HealthConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, h.Start(context.Background()))

	t.Cleanup(func() { _ = h.Stop() })

	return h
}

// get retries until the server goroutine is serving.
func get(t *testing.T, h *HealthMetrics, path string) (int, string) {
	t.Helper()

	var (
		status int
		body   string
	)

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s%s", h.Addr(), path))
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}

		status, body = resp.StatusCode, string(raw)

		return true
	}, 2*time.Second, 10*time.Millisecond)

	return status, body
}

func TestHealthMetrics_Exposition(t *testing.T) {
	h := startHealth(t)

	for range 3 {
		h.DispatchesSubmitted.Inc()
	}

	h.SessionsCompleted.Inc()
	h.ClientsRegistered.Set(2)
	h.SubmitErrors.WithLabelValues("queue_full").Inc()
	h.SamplesCollected.WithLabelValues("agent").Add(4)
	h.CommandsInjected.WithLabelValues("counter_start").Add(5)

	status, body := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, status)

	for _, want := range []string{
		"queuetap_dispatches_submitted_total 3",
		"queuetap_sessions_completed_total 1",
		"queuetap_clients_registered 2",
		`queuetap_submit_errors_total{reason="queue_full"} 1`,
		`queuetap_samples_collected_total{source="agent"} 4`,
		`queuetap_commands_injected_total{opcode="counter_start"} 5`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestHealthMetrics_BuildInfo(t *testing.T) {
	h := NewHealthMetrics(testLog(), HealthConfig{})

	assert.Equal(t, 1.0, testutil.ToFloat64(h.BuildInfo))

	families, err := h.Registry().Gather()
	require.NoError(t, err)

	var labels map[string]string

	for _, mf := range families {
		if mf.GetName() != "queuetap_build_info" {
			continue
		}

		labels = make(map[string]string)
		for _, lp := range mf.GetMetric()[0].GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
	}

	assert.Equal(t, version.Labels(), labels)
}

func TestHealthMetrics_Probes(t *testing.T) {
	h := startHealth(t)

	status, body := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)

	status, body = get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "starting", body)

	h.SetReady(true)

	status, body = get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body)
}

func TestHealthMetrics_StopIdempotent(t *testing.T) {
	h := NewHealthMetrics(testLog(), HealthConfig{})

	assert.NoError(t, h.Stop())
	assert.NoError(t, h.Stop())
}

func TestHealthMetrics_Addr(t *testing.T) {
	h := NewHealthMetrics(testLog(), HealthConfig{Addr: ":9999"})
	assert.Equal(t, ":9999", h.Addr())

	started := startHealth(t)
	assert.NotEqual(t, "127.0.0.1:0", started.Addr())
	assert.True(t, started.running.Load())
}
