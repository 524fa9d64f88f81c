// Package sampling collects counter values from an agent outside of any
// kernel dispatch, coordinating start, read and stop through a tri-state
// machine.
package sampling

import (
	"fmt"
	"time"

	"github.com/ethpandaops/queuetap/internal/aql"
	"github.com/ethpandaops/queuetap/internal/device"
)

// Source says where a sample came from.
type Source string

const (
	// SourceDispatch samples bracket a single kernel dispatch.
	SourceDispatch Source = "dispatch"
	// SourceAgent samples are read from a free-running agent context.
	SourceAgent Source = "agent"
)

// Value is one counter value, attributed to the metric it was expanded
// from.
type Value struct {
	MetricID uint64
	Metric   string
	Block    string
	Instance uint32
	EventID  uint32
	Value    uint64
}

// Sample is a set of counter values read at one point in time.
type Sample struct {
	Source        Source
	Tag           uint64
	AgentID       device.AgentID
	Arch          string
	QueueID       uint64
	DispatchID    uint64
	KernelID      uint64
	CorrelationID uint64
	ThreadID      int
	Timestamp     time.Time
	MonotonicNS   uint64
	Values        []Value
}

// Values decodes a completed counter packet into attributed values.
func Values(b *aql.CounterPacketBuilder, pkt *aql.CounterPacket) ([]Value, error) {
	records, err := pkt.Records()
	if err != nil {
		return nil, fmt.Errorf("decoding counter records: %w", err)
	}

	events := pkt.Events()
	values := make([]Value, 0, len(records))

	for i, r := range records {
		e := events[i]

		m, ok := b.EventToMetric(e)
		if !ok {
			return nil, fmt.Errorf("record %d: event %s has no metric", i, e)
		}

		values = append(values, Value{
			MetricID: m.ID(),
			Metric:   m.Name(),
			Block:    e.Block,
			Instance: e.Instance,
			EventID:  e.EventID,
			Value:    r.Value,
		})
	}

	return values, nil
}

// Stamp sets the wall-clock and monotonic timestamps.
func (s *Sample) Stamp() {
	s.Timestamp = time.Now()
	s.MonotonicNS = monotonicNS()
}
