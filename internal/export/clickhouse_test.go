package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClickHouseConfig_Defaults(t *testing.T) {
	cfg := ClickHouseConfig{Endpoint: "localhost:9000", Database: "gpu"}
	assert.True(t, cfg.Enabled())
	assert.NoError(t, cfg.Validate())

	w := NewClickHouseWriter(testLog(), cfg)
	assert.Equal(t, "gpu.counter_samples", w.QualifiedTable())
	assert.Equal(t, "gpu.trace_sessions", w.QualifiedTraceTable())
	assert.Equal(t, 10000, w.Config().BatchSize)
	assert.Equal(t, time.Second, w.Config().FlushInterval)
}

func TestClickHouseConfig_Validate(t *testing.T) {
	disabled := ClickHouseConfig{Table: "x", TraceTable: "x"}
	assert.False(t, disabled.Enabled())
	assert.NoError(t, disabled.Validate())

	clash := ClickHouseConfig{Endpoint: "localhost:9000", TraceTable: "counter_samples"}
	assert.Error(t, clash.Validate())
}

func TestMissingTables(t *testing.T) {
	want := []string{"counter_samples", "trace_sessions"}

	assert.Empty(t, missingTables(want, []string{"trace_sessions", "counter_samples"}))
	assert.Equal(t, []string{"trace_sessions"}, missingTables(want, []string{"counter_samples"}))
	assert.Equal(t, want, missingTables(want, nil))
}
