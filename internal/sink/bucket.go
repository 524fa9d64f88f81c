package sink

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/queuetap/internal/sampling"
)

// MetricTotals accumulates the values seen for one metric. Values from
// every instance of a block are summed.
type MetricTotals struct {
	Metric  string
	Samples int64
	Sum     uint64
	Min     uint64
	Max     uint64
}

// Bucket aggregates samples and trace sessions over a time window.
type Bucket struct {
	StartTime time.Time

	SampleCount     atomic.Int64
	DispatchSamples atomic.Int64
	AgentSamples    atomic.Int64
	ValueCount      atomic.Int64

	TraceSessions   atomic.Int64
	TraceDispatches atomic.Int64
	TraceBytes      atomic.Int64

	mu      sync.Mutex
	metrics map[string]*MetricTotals
}

// NewBucket creates a new aggregation bucket starting at startTime.
func NewBucket(startTime time.Time) *Bucket {
	return &Bucket{
		StartTime: startTime,
		metrics:   make(map[string]*MetricTotals, 16),
	}
}

// Add incorporates a sample into the bucket.
func (b *Bucket) Add(sample sampling.Sample) {
	b.SampleCount.Add(1)

	switch sample.Source {
	case sampling.SourceDispatch:
		b.DispatchSamples.Add(1)
	case sampling.SourceAgent:
		b.AgentSamples.Add(1)
	}

	b.ValueCount.Add(int64(len(sample.Values)))

	// Sum instances first so min/max describe whole-metric values.
	perMetric := make(map[string]uint64, len(sample.Values))
	for _, v := range sample.Values {
		perMetric[v.Metric] += v.Value
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for name, value := range perMetric {
		t, ok := b.metrics[name]
		if !ok {
			t = &MetricTotals{Metric: name, Min: value, Max: value}
			b.metrics[name] = t
		}

		t.Samples++
		t.Sum += value

		if value < t.Min {
			t.Min = value
		}

		if value > t.Max {
			t.Max = value
		}
	}
}

// AddTrace incorporates a trace session into the bucket.
func (b *Bucket) AddTrace(session TraceSession) {
	b.TraceSessions.Add(1)
	b.TraceDispatches.Add(int64(session.Summary.Dispatches))
	b.TraceBytes.Add(int64(session.Summary.Bytes))
}

// BucketSnapshot is a point-in-time copy of a bucket.
type BucketSnapshot struct {
	StartTime       time.Time
	SampleCount     int64
	DispatchSamples int64
	AgentSamples    int64
	ValueCount      int64
	TraceSessions   int64
	TraceDispatches int64
	TraceBytes      int64
	// Metrics is sorted by metric name.
	Metrics []MetricTotals
}

// Empty reports whether nothing was added to the bucket.
func (s BucketSnapshot) Empty() bool {
	return s.SampleCount == 0 && s.TraceSessions == 0
}

// Snapshot returns a point-in-time snapshot of the bucket.
func (b *Bucket) Snapshot() BucketSnapshot {
	b.mu.Lock()
	metrics := make([]MetricTotals, 0, len(b.metrics))

	for _, t := range b.metrics {
		metrics = append(metrics, *t)
	}
	b.mu.Unlock()

	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Metric < metrics[j].Metric
	})

	return BucketSnapshot{
		StartTime:       b.StartTime,
		SampleCount:     b.SampleCount.Load(),
		DispatchSamples: b.DispatchSamples.Load(),
		AgentSamples:    b.AgentSamples.Load(),
		ValueCount:      b.ValueCount.Load(),
		TraceSessions:   b.TraceSessions.Load(),
		TraceDispatches: b.TraceDispatches.Load(),
		TraceBytes:      b.TraceBytes.Load(),
		Metrics:         metrics,
	}
}
