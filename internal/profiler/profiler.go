// Package profiler wires the queue interceptor, counter and trace clients,
// agent sampling and sinks around a simulated agent.
package profiler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/queuetap/internal/aql"
	"github.com/ethpandaops/queuetap/internal/counters"
	"github.com/ethpandaops/queuetap/internal/device"
	"github.com/ethpandaops/queuetap/internal/device/sim"
	"github.com/ethpandaops/queuetap/internal/export"
	"github.com/ethpandaops/queuetap/internal/queue"
	"github.com/ethpandaops/queuetap/internal/sampling"
	"github.com/ethpandaops/queuetap/internal/sink"
)

// Interception client ids, in the order their packets wrap a dispatch.
const (
	dispatchClientID queue.ClientID = 1
	traceClientID    queue.ClientID = 2
)

// Profiler is the top-level orchestrator.
type Profiler interface {
	// Start initializes all components and begins profiling.
	Start(ctx context.Context) error
	// Stop drains outstanding work and shuts everything down.
	Stop() error
}

type profiler struct {
	log      logrus.FieldLogger
	cfg      *Config
	health   *export.HealthMetrics
	registry *counters.Registry
	dev      *sim.Device
	queue    *queue.Queue
	sinks    []sink.Sink

	counters *dispatchCounters
	tracer   *tracer
	sampler  *sampling.Context
	workload *workload

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Profiler. Metric configuration errors surface here.
func New(log logrus.FieldLogger, cfg *Config) (Profiler, error) {
	return newProfiler(log, cfg)
}

func newProfiler(log logrus.FieldLogger, cfg *Config) (*profiler, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("loading metric definitions: %w", err)
	}

	health := export.NewHealthMetrics(log, cfg.Health)
	dev := sim.New(log, cfg.Device)

	p := &profiler{
		log:      log.WithField("component", "profiler"),
		cfg:      cfg,
		health:   health,
		registry: registry,
		dev:      dev,
		queue:    queue.New(log, dev.NewQueue(), health),
		sinks:    make([]sink.Sink, 0, 2),
	}

	if err := p.build(log); err != nil {
		_ = p.queue.Destroy(context.Background())
		dev.Close()

		return nil, err
	}

	return p, nil
}

func (p *profiler) build(log logrus.FieldLogger) error {
	agent := p.dev.Agent()

	if len(p.cfg.Dispatch.Metrics) > 0 {
		b, err := p.builder(log, agent, p.cfg.Dispatch.Metrics)
		if err != nil {
			return fmt.Errorf("dispatch counters: %w", err)
		}

		p.counters = newDispatchCounters(log, b, p.handleSample, p.health)
	}

	if p.cfg.Trace.Enabled {
		factory := aql.NewTracePacketFactory(log, agent, p.cfg.Trace.TraceConfig, aql.TraceMemoryPool{})
		p.tracer = newTracer(log, factory, p.queue, p.handleTrace, p.health)
	}

	if p.cfg.Sampling.Enabled {
		b, err := p.builder(log, agent, p.cfg.Sampling.Metrics)
		if err != nil {
			return fmt.Errorf("agent sampling: %w", err)
		}

		p.sampler = sampling.New(log, p.cfg.Sampling, p.queue, b, nil, p.handleSample, p.health)
	}

	if p.cfg.Sinks.Raw.Enabled {
		raw, err := sink.NewRawSink(log, p.cfg.Sinks.Raw, p.health)
		if err != nil {
			return fmt.Errorf("creating raw sink: %w", err)
		}

		p.sinks = append(p.sinks, raw)
	}

	if p.cfg.Sinks.Log.Enabled {
		p.sinks = append(p.sinks, sink.NewLogSink(log, p.cfg.Sinks.Log, p.health))
	}

	p.workload = newWorkload(log, p.cfg.Workload, p.queue, p.tracer)

	return nil
}

func (p *profiler) builder(log logrus.FieldLogger, agent device.Agent, names []string) (*aql.CounterPacketBuilder, error) {
	metrics, err := p.registry.Lookup(agent.Name(), names)
	if err != nil {
		return nil, err
	}

	return aql.NewCounterPacketBuilder(log, agent, p.registry, metrics)
}

func (p *profiler) Start(ctx context.Context) error {
	started := time.Now()

	ctx, p.cancel = context.WithCancel(ctx)

	// 1. Health server and sinks.
	if err := p.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	for _, s := range p.sinks {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("starting sink %s: %w", s.Name(), err)
		}

		p.log.WithField("sink", s.Name()).Info("Sink started")
	}

	p.observePhase("sinks", started)

	// 2. Interception clients, in wrapping order.
	if p.counters != nil {
		if err := p.queue.RegisterCallback(dispatchClientID, p.counters.enqueue, p.counters.completed); err != nil {
			return fmt.Errorf("registering dispatch counters: %w", err)
		}
	}

	if p.tracer != nil {
		if err := p.queue.RegisterCallback(traceClientID, p.tracer.enqueue, p.tracer.completed); err != nil {
			return fmt.Errorf("registering tracer: %w", err)
		}
	}

	p.health.ClientsRegistered.Set(float64(p.queue.Notifiers()))

	// 3. Agent sampling.
	if p.sampler != nil {
		phase := time.Now()

		if err := p.sampler.Start(ctx); err != nil {
			return fmt.Errorf("starting agent sampling: %w", err)
		}

		p.observePhase("sampling", phase)

		p.wg.Add(1)

		go p.runSampling(ctx)
	}

	// 4. Workload.
	if err := p.workload.loadCodeObjects(); err != nil {
		return fmt.Errorf("loading code objects: %w", err)
	}

	p.wg.Add(2)

	go func() {
		defer p.wg.Done()

		p.workload.run(ctx)
	}()

	go p.runStats(ctx)

	p.observePhase("total", started)
	p.health.SetReady(true)

	p.log.WithFields(logrus.Fields{
		"agent":   p.dev.Agent().ID(),
		"arch":    p.dev.Agent().Name(),
		"clients": p.queue.Notifiers(),
	}).Info("Profiler fully started")

	return nil
}

func (p *profiler) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}

	p.health.SetReady(false)
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
	defer cancel()

	// Stop in reverse order.
	if p.sampler != nil {
		if err := p.sampler.Stop(ctx); err != nil {
			p.log.WithError(err).Warn("Final agent sample failed")
		}

		if err := p.sampler.Close(ctx); err != nil {
			p.log.WithError(err).Error("Error closing sampling context")
		}
	}

	p.workload.unloadCodeObjects()

	if err := p.queue.Destroy(ctx); err != nil {
		p.log.WithError(err).Error("Error draining queue")
	}

	p.publishStats()

	for _, s := range p.sinks {
		if err := s.Stop(); err != nil {
			p.log.WithError(err).WithField("sink", s.Name()).
				Error("Error stopping sink")
		}
	}

	p.dev.Close()

	if err := p.health.Stop(); err != nil {
		p.log.WithError(err).Error("Error stopping health server")
	}

	return nil
}

func (p *profiler) handleSample(sample sampling.Sample) {
	for _, s := range p.sinks {
		s.HandleSample(sample)
	}
}

func (p *profiler) handleTrace(session sink.TraceSession) {
	for _, s := range p.sinks {
		s.HandleTrace(session)
	}
}

func (p *profiler) runSampling(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Sampling.Interval)
	defer ticker.Stop()

	flags := sampling.ReadAsync
	if p.cfg.Sampling.Mode == sampling.ModeSync {
		flags = sampling.ReadSync
	}

	var tag uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tag++

			if err := p.sampler.Read(ctx, tag, flags); err != nil && ctx.Err() == nil {
				p.log.WithError(err).WithField("tag", tag).Warn("Agent sample read failed")
			}
		}
	}
}

func (p *profiler) runStats(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStats()
		}
	}
}

// publishStats moves the queue's injected command counts into health
// metrics.
func (p *profiler) publishStats() {
	for op, n := range p.queue.Stats().Snapshot() {
		if n == 0 {
			continue
		}

		p.health.CommandsInjected.WithLabelValues(op.String()).Add(float64(n))
	}
}

func (p *profiler) observePhase(phase string, started time.Time) {
	p.health.StartDuration.WithLabelValues(phase).Set(time.Since(started).Seconds())
}
