package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/queuetap/internal/export"
	httpexport "github.com/ethpandaops/queuetap/internal/export/http"
	"github.com/ethpandaops/queuetap/internal/sampling"
)

// RawConfig configures the raw sample sink.
type RawConfig struct {
	Enabled    bool                    `yaml:"enabled"`
	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`
	// HTTP configures optional HTTP export (e.g., to Vector).
	HTTP httpexport.Config `yaml:"http"`
	// ChannelSize bounds buffered samples before they are dropped.
	// Defaults to 65536.
	ChannelSize int `yaml:"channel_size"`
}

// Validate checks the configuration.
func (c *RawConfig) Validate() error {
	if !c.ClickHouse.Enabled() && !c.HTTP.Enabled {
		return errors.New("raw sink needs clickhouse.endpoint or http.enabled")
	}

	if err := c.ClickHouse.Validate(); err != nil {
		return fmt.Errorf("clickhouse: %w", err)
	}

	httpCfg := c.HTTP
	httpCfg.ApplyDefaults()

	if err := httpCfg.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	return nil
}

// RawSink writes every counter value and trace session in batches to
// ClickHouse and, optionally, an HTTP endpoint.
type RawSink struct {
	log    logrus.FieldLogger
	cfg    RawConfig
	writer *export.ClickHouseWriter
	health *export.HealthMetrics

	// HTTP export processors (optional).
	sampleProcessor *processor.BatchItemProcessor[SampleJSON]
	traceProcessor  *processor.BatchItemProcessor[TraceSessionJSON]

	mu       sync.Mutex
	batch    []sampleRow
	traces   []traceRow
	cancel   context.CancelFunc
	done     chan struct{}
	sampleCh chan sampling.Sample
	traceCh  chan TraceSession
}

type sampleRow struct {
	Timestamp     time.Time
	MonotonicNs   uint64
	Source        string
	Tag           uint64
	AgentID       uint64
	Arch          string
	QueueID       uint64
	DispatchID    uint64
	KernelID      uint64
	CorrelationID uint64
	ThreadID      uint32
	MetricID      uint16
	Metric        string
	Block         string
	Instance      uint32
	EventID       uint32
	Value         uint64
}

type traceRow struct {
	Timestamp     time.Time
	AgentID       uint64
	Arch          string
	QueueID       uint64
	DispatchID    uint64
	KernelID      uint64
	CorrelationID uint64
	Dispatches    uint64
	Markers       uint64
	Bytes         uint64
	CodeObjects   uint32
}

var _ Sink = (*RawSink)(nil)

// NewRawSink creates a new raw sample sink.
func NewRawSink(
	log logrus.FieldLogger,
	cfg RawConfig,
	health *export.HealthMetrics,
) (*RawSink, error) {
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 65536
	}

	cfg.ClickHouse.ApplyDefaults()

	sink := &RawSink{
		log:      log.WithField("sink", "raw"),
		cfg:      cfg,
		health:   health,
		batch:    make([]sampleRow, 0, cfg.ClickHouse.BatchSize),
		done:     make(chan struct{}),
		sampleCh: make(chan sampling.Sample, cfg.ChannelSize),
		traceCh:  make(chan TraceSession, cfg.ChannelSize),
	}

	if cfg.ClickHouse.Enabled() {
		sink.writer = export.NewClickHouseWriter(log, cfg.ClickHouse)
	}

	if cfg.HTTP.Enabled {
		samples, err := httpexport.NewProcessor[SampleJSON](
			log,
			cfg.HTTP,
			"samples_http",
			sink.observeExport,
		)
		if err != nil {
			return nil, fmt.Errorf("creating HTTP sample processor: %w", err)
		}

		traces, err := httpexport.NewProcessor[TraceSessionJSON](
			log,
			cfg.HTTP.ForTraces(),
			"traces_http",
			sink.observeExport,
		)
		if err != nil {
			return nil, fmt.Errorf("creating HTTP trace processor: %w", err)
		}

		sink.sampleProcessor = samples
		sink.traceProcessor = traces
	}

	return sink, nil
}

func (s *RawSink) Name() string { return "raw" }

func (s *RawSink) Start(ctx context.Context) error {
	if s.writer != nil {
		if err := s.writer.Start(ctx); err != nil {
			return err
		}

		if err := s.writer.CheckSchema(ctx); err != nil {
			s.log.WithError(err).Warn("Inserts will fail until `queuetap migrate up` has run")
		}

		if s.health != nil {
			s.health.ClickHouseConnected.WithLabelValues("raw").Set(1)
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)

	if s.sampleProcessor != nil {
		s.sampleProcessor.Start(ctx)
		s.traceProcessor.Start(ctx)
		s.log.Info("HTTP export started")
	}

	go s.runLoop(ctx)

	s.log.Info("Raw sink started")

	return nil
}

func (s *RawSink) Stop() error {
	if s.cancel == nil {
		return s.stopWriter()
	}

	s.cancel()
	<-s.done

	// Flush whatever is still buffered.
	s.drainChannels()

	s.mu.Lock()
	samples, traces := s.batch, s.traces
	s.batch, s.traces = nil, nil
	s.mu.Unlock()

	if err := s.flush(context.Background(), samples, traces); err != nil {
		s.log.WithError(err).Error("Final flush failed")
		s.reportExportError()
	}

	if s.sampleProcessor != nil {
		if err := s.sampleProcessor.Shutdown(context.Background()); err != nil {
			s.log.WithError(err).Error("HTTP sample processor shutdown failed")
		}

		if err := s.traceProcessor.Shutdown(context.Background()); err != nil {
			s.log.WithError(err).Error("HTTP trace processor shutdown failed")
		}
	}

	return s.stopWriter()
}

func (s *RawSink) stopWriter() error {
	if s.writer == nil {
		return nil
	}

	if s.health != nil {
		s.health.ClickHouseConnected.WithLabelValues("raw").Set(0)
	}

	return s.writer.Stop()
}

func (s *RawSink) HandleSample(sample sampling.Sample) {
	select {
	case s.sampleCh <- sample:
		if s.health != nil {
			s.health.SinkSamplesProcessed.WithLabelValues("raw").Inc()
		}
	default:
		s.log.Warn("Raw sink sample channel full, dropping sample")
		s.reportDrop()
	}
}

func (s *RawSink) HandleTrace(session TraceSession) {
	select {
	case s.traceCh <- session:
	default:
		s.log.Warn("Raw sink trace channel full, dropping trace session")
		s.reportDrop()
	}
}

func (s *RawSink) runLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.ClickHouse.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-s.sampleCh:
			s.addSample(ctx, sample)
		case session := <-s.traceCh:
			s.addTrace(session)
		case <-ticker.C:
			s.tickFlush(ctx)
		}
	}
}

func (s *RawSink) drainChannels() {
	for {
		select {
		case sample := <-s.sampleCh:
			s.mu.Lock()
			s.batch = append(s.batch, toSampleRows(sample)...)
			s.mu.Unlock()
		case session := <-s.traceCh:
			s.addTrace(session)
		default:
			return
		}
	}
}

func (s *RawSink) addSample(ctx context.Context, sample sampling.Sample) {
	rows := toSampleRows(sample)

	s.mu.Lock()
	s.batch = append(s.batch, rows...)
	shouldFlush := len(s.batch) >= s.cfg.ClickHouse.BatchSize

	var toFlush []sampleRow

	if shouldFlush {
		toFlush = s.batch
		s.batch = make([]sampleRow, 0, s.cfg.ClickHouse.BatchSize)
	}

	s.mu.Unlock()

	if shouldFlush {
		if err := s.flush(ctx, toFlush, nil); err != nil {
			s.log.WithError(err).Error("Batch flush failed")
			s.reportExportError()
		}
	}
}

func (s *RawSink) addTrace(session TraceSession) {
	s.mu.Lock()
	s.traces = append(s.traces, toTraceRow(session))
	s.mu.Unlock()
}

func (s *RawSink) tickFlush(ctx context.Context) {
	s.mu.Lock()

	if len(s.batch) == 0 && len(s.traces) == 0 {
		s.mu.Unlock()

		return
	}

	samples, traces := s.batch, s.traces
	s.batch = make([]sampleRow, 0, s.cfg.ClickHouse.BatchSize)
	s.traces = nil
	s.mu.Unlock()

	if err := s.flush(ctx, samples, traces); err != nil {
		s.log.WithError(err).Error("Periodic flush failed")
		s.reportExportError()
	}
}

func (s *RawSink) flush(ctx context.Context, samples []sampleRow, traces []traceRow) error {
	if len(samples) == 0 && len(traces) == 0 {
		return nil
	}

	if s.sampleProcessor != nil {
		s.exportHTTP(ctx, samples, traces)
	}

	if s.writer == nil {
		return nil
	}

	var errs []error

	if len(samples) > 0 {
		errs = append(errs, s.flushSamples(ctx, samples))
	}

	if len(traces) > 0 {
		errs = append(errs, s.flushTraces(ctx, traces))
	}

	return errors.Join(errs...)
}

func (s *RawSink) flushSamples(ctx context.Context, rows []sampleRow) error {
	start := time.Now()
	meta := s.cfg.ClickHouse

	batch, err := s.writer.Conn().PrepareBatch(
		ctx,
		fmt.Sprintf(
			"INSERT INTO %s (timestamp, monotonic_ns, source, tag, agent_id, arch, queue_id, dispatch_id, kernel_id, correlation_id, thread_id, metric_id, metric, block, instance, event_id, value, meta_host, meta_cluster)",
			s.writer.QualifiedTable(),
		),
	)
	if err != nil {
		s.recordBatchError("prepare")

		return fmt.Errorf("preparing batch: %w", err)
	}

	for _, row := range rows {
		if err := batch.Append(
			row.Timestamp,
			row.MonotonicNs,
			row.Source,
			row.Tag,
			row.AgentID,
			row.Arch,
			row.QueueID,
			row.DispatchID,
			row.KernelID,
			row.CorrelationID,
			row.ThreadID,
			row.MetricID,
			row.Metric,
			row.Block,
			row.Instance,
			row.EventID,
			row.Value,
			meta.MetaHost,
			meta.MetaCluster,
		); err != nil {
			s.recordBatchError("append")

			return fmt.Errorf("appending row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		s.recordBatchError("send")

		return fmt.Errorf("sending batch of %d rows: %w", len(rows), err)
	}

	s.recordFlush(start, len(rows))

	s.log.WithField("rows", len(rows)).
		Debug("Flushed counter samples")

	return nil
}

func (s *RawSink) flushTraces(ctx context.Context, rows []traceRow) error {
	start := time.Now()
	meta := s.cfg.ClickHouse

	batch, err := s.writer.Conn().PrepareBatch(
		ctx,
		fmt.Sprintf(
			"INSERT INTO %s (timestamp, agent_id, arch, queue_id, dispatch_id, kernel_id, correlation_id, dispatches, markers, bytes, code_objects, meta_host, meta_cluster)",
			s.writer.QualifiedTraceTable(),
		),
	)
	if err != nil {
		s.recordBatchError("prepare")

		return fmt.Errorf("preparing trace batch: %w", err)
	}

	for _, row := range rows {
		if err := batch.Append(
			row.Timestamp,
			row.AgentID,
			row.Arch,
			row.QueueID,
			row.DispatchID,
			row.KernelID,
			row.CorrelationID,
			row.Dispatches,
			row.Markers,
			row.Bytes,
			row.CodeObjects,
			meta.MetaHost,
			meta.MetaCluster,
		); err != nil {
			s.recordBatchError("append")

			return fmt.Errorf("appending trace row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		s.recordBatchError("send")

		return fmt.Errorf("sending trace batch of %d rows: %w", len(rows), err)
	}

	s.recordFlush(start, len(rows))

	return nil
}

// exportHTTP hands rows to the HTTP processors.
func (s *RawSink) exportHTTP(ctx context.Context, samples []sampleRow, traces []traceRow) {
	host, cluster := s.cfg.HTTP.MetaHost, s.cfg.HTTP.MetaCluster

	if len(samples) > 0 {
		items := make([]*SampleJSON, 0, len(samples))

		for _, row := range samples {
			item := toSampleJSON(row, host, cluster)
			items = append(items, &item)
		}

		if err := s.sampleProcessor.Write(ctx, items); err != nil {
			s.log.WithError(err).Debug("HTTP sample export failed (queue may be full)")
		}
	}

	if len(traces) > 0 {
		items := make([]*TraceSessionJSON, 0, len(traces))

		for _, row := range traces {
			item := toTraceSessionJSON(row, host, cluster)
			items = append(items, &item)
		}

		if err := s.traceProcessor.Write(ctx, items); err != nil {
			s.log.WithError(err).Debug("HTTP trace export failed (queue may be full)")
		}
	}
}

func (s *RawSink) observeExport(r httpexport.ExportResult) {
	if s.health == nil {
		return
	}

	if r.Err != nil {
		s.health.ExportBatchErrors.WithLabelValues("raw", "http").Inc()

		return
	}

	s.health.HTTPExportBytes.WithLabelValues("raw").Add(float64(r.Bytes))
	s.health.HTTPExportBytes.WithLabelValues("compressed").Add(float64(r.Compressed))
}

func toSampleRows(sample sampling.Sample) []sampleRow {
	rows := make([]sampleRow, 0, len(sample.Values))

	for _, v := range sample.Values {
		rows = append(rows, sampleRow{
			Timestamp:     sample.Timestamp,
			MonotonicNs:   sample.MonotonicNS,
			Source:        string(sample.Source),
			Tag:           sample.Tag,
			AgentID:       uint64(sample.AgentID),
			Arch:          sample.Arch,
			QueueID:       sample.QueueID,
			DispatchID:    sample.DispatchID,
			KernelID:      sample.KernelID,
			CorrelationID: sample.CorrelationID,
			ThreadID:      uint32(sample.ThreadID),
			MetricID:      uint16(v.MetricID),
			Metric:        v.Metric,
			Block:         v.Block,
			Instance:      v.Instance,
			EventID:       v.EventID,
			Value:         v.Value,
		})
	}

	return rows
}

func toTraceRow(session TraceSession) traceRow {
	return traceRow{
		Timestamp:     session.Timestamp,
		AgentID:       uint64(session.AgentID),
		Arch:          session.Arch,
		QueueID:       session.QueueID,
		DispatchID:    session.DispatchID,
		KernelID:      session.KernelID,
		CorrelationID: session.CorrelationID,
		Dispatches:    session.Summary.Dispatches,
		Markers:       session.Summary.Markers,
		Bytes:         session.Summary.Bytes,
		CodeObjects:   uint32(session.CodeObjects),
	}
}

func (s *RawSink) recordFlush(start time.Time, rows int) {
	if s.health == nil {
		return
	}

	duration := time.Since(start)
	s.health.SinkFlushDuration.WithLabelValues("raw").Observe(duration.Seconds())
	s.health.SinkBatchSize.WithLabelValues("raw").Observe(float64(rows))
	s.health.ClickHouseBatchDuration.WithLabelValues("send").Observe(duration.Seconds())
}

func (s *RawSink) reportDrop() {
	if s.health == nil {
		return
	}

	s.health.SinkSamplesDropped.WithLabelValues("raw").Inc()
}

func (s *RawSink) reportExportError() {
	if s.health == nil {
		return
	}

	s.health.ExportErrors.Inc()
}

// recordBatchError records a batch error with categorized error type.
func (s *RawSink) recordBatchError(errorType string) {
	if s.health == nil {
		return
	}

	s.health.ExportBatchErrors.WithLabelValues("raw", errorType).Inc()
}
