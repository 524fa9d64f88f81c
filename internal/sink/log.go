package sink

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/queuetap/internal/export"
	"github.com/ethpandaops/queuetap/internal/sampling"
)

// LogConfig configures the windowed log sink.
type LogConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// LogSink aggregates samples over fixed windows and logs per-metric totals.
type LogSink struct {
	log    logrus.FieldLogger
	cfg    LogConfig
	health *export.HealthMetrics

	mu     sync.Mutex
	bucket *Bucket

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a new log sink.
func NewLogSink(
	log logrus.FieldLogger,
	cfg LogConfig,
	health *export.HealthMetrics,
) *LogSink {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}

	return &LogSink{
		log:    log.WithField("sink", "log"),
		cfg:    cfg,
		health: health,
		bucket: NewBucket(time.Now()),
		done:   make(chan struct{}),
	}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Start(ctx context.Context) error {
	s.mu.Lock()
	s.bucket = NewBucket(time.Now())
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)

	go s.runTimer(ctx)

	s.log.WithField("interval", s.cfg.Interval).
		Info("Log sink started")

	return nil
}

func (s *LogSink) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	s.Flush()

	return nil
}

func (s *LogSink) HandleSample(sample sampling.Sample) {
	s.mu.Lock()
	b := s.bucket
	s.mu.Unlock()

	b.Add(sample)

	if s.health != nil {
		s.health.SinkSamplesProcessed.WithLabelValues("log").Inc()
	}
}

func (s *LogSink) HandleTrace(session TraceSession) {
	s.mu.Lock()
	b := s.bucket
	s.mu.Unlock()

	b.AddTrace(session)
}

func (s *LogSink) runTimer(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// Flush rotates the current window, logs it when non-empty and returns its
// snapshot.
func (s *LogSink) Flush() BucketSnapshot {
	s.mu.Lock()
	old := s.bucket
	s.bucket = NewBucket(time.Now())
	s.mu.Unlock()

	snap := old.Snapshot()
	if !snap.Empty() {
		s.logSnapshot(snap)
	}

	return snap
}

func (s *LogSink) logSnapshot(snap BucketSnapshot) {
	s.log.WithFields(logrus.Fields{
		"window":           time.Since(snap.StartTime).Round(time.Millisecond),
		"samples":          snap.SampleCount,
		"dispatch_samples": snap.DispatchSamples,
		"agent_samples":    snap.AgentSamples,
		"values":           snap.ValueCount,
		"trace_sessions":   snap.TraceSessions,
		"trace_dispatches": snap.TraceDispatches,
		"trace_bytes":      snap.TraceBytes,
	}).Info("Window snapshot")

	for _, m := range snap.Metrics {
		s.log.WithFields(logrus.Fields{
			"metric":  m.Metric,
			"samples": m.Samples,
			"sum":     m.Sum,
			"min":     m.Min,
			"max":     m.Max,
		}).Debug("Window metric")
	}
}
