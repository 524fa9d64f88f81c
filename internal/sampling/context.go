package sampling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/queuetap/internal/aql"
	"github.com/ethpandaops/queuetap/internal/device"
	"github.com/ethpandaops/queuetap/internal/export"
	"github.com/ethpandaops/queuetap/internal/queue"
)

// ErrNotStarted is returned by Read and Stop before Start.
var ErrNotStarted = errors.New("sampling context not started")

// State is the sampling state.
type State uint32

const (
	// StateReady allows the next operation to begin.
	StateReady State = iota
	// StateInProgress means an operation is on the queue.
	StateInProgress
	// StateComplete means the device finished and the result is being
	// delivered.
	StateComplete
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateInProgress:
		return "in_progress"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// transitions lists every legal state change. InProgress -> Ready covers a
// submission the queue rejected.
var transitions = map[State][]State{
	StateReady:      {StateInProgress},
	StateInProgress: {StateComplete, StateReady},
	StateComplete:   {StateReady},
}

// ReadFlags selects whether Read waits for its sample.
type ReadFlags uint8

const (
	ReadSync ReadFlags = iota
	ReadAsync
)

// Injector writes profiler-owned commands to a queue. *queue.Queue
// implements it.
type Injector interface {
	Inject(cmds []device.Command, done func(*queue.Session)) error
}

// SampleFunc receives completed samples on the queue's dispatcher.
type SampleFunc func(Sample)

type op uint8

const (
	opStart op = iota
	opRead
	opStop
)

func (o op) String() string {
	switch o {
	case opStart:
		return "start"
	case opRead:
		return "read"
	default:
		return "stop"
	}
}

// Context samples counters on one agent. At most one operation is on the
// queue at a time; callers that find an operation in flight wait for it.
type Context struct {
	log      logrus.FieldLogger
	cfg      Config
	queue    Injector
	builder  *aql.CounterPacketBuilder
	alloc    device.Allocator
	onSample SampleFunc
	health   *export.HealthMetrics

	mu      sync.Mutex
	state   State
	ready   chan struct{}
	packet  *aql.CounterPacket
	running bool
}

// New creates a sampling context. alloc may be nil to use the agent pool;
// health may be nil.
func New(
	log logrus.FieldLogger,
	cfg Config,
	q Injector,
	builder *aql.CounterPacketBuilder,
	alloc device.Allocator,
	onSample SampleFunc,
	health *export.HealthMetrics,
) *Context {
	ready := make(chan struct{})
	close(ready)

	return &Context{
		log:      log.WithField("component", "sampling").WithField("agent", builder.Agent().ID()),
		cfg:      cfg,
		queue:    q,
		builder:  builder,
		alloc:    alloc,
		onSample: onSample,
		health:   health,
		state:    StateReady,
		ready:    ready,
	}
}

// State returns the current state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Running reports whether counters are enabled on the agent.
func (c *Context) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running
}

// Start builds a fresh counter packet and enables the counters. The packet
// of a previous cycle is released.
func (c *Context) Start(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	old := c.packet
	c.packet = nil
	c.running = false
	c.mu.Unlock()

	if old != nil {
		if err := old.Release(); err != nil {
			c.log.WithError(err).Warn("Failed to release previous counter packet")
		}

		c.countPacket("release")
	}

	pkt, err := c.builder.ConstructPacket(c.alloc)
	if err != nil {
		c.countPacket("error")
		c.abort()

		return fmt.Errorf("constructing sampling packet: %w", err)
	}

	c.countPacket("construct")

	c.mu.Lock()
	c.packet = pkt
	c.mu.Unlock()

	done, err := c.submit(opStart, pkt, 0, []device.Command{pkt.StartCommand()})
	if err != nil {
		return err
	}

	return wait(ctx, done)
}

// Read copies the current counter values and delivers them with tag. With
// ReadSync it returns once the sample has been delivered.
func (c *Context) Read(ctx context.Context, tag uint64, flags ReadFlags) error {
	pkt, err := c.acquireRunning(ctx)
	if err != nil {
		return err
	}

	done, err := c.submit(opRead, pkt, tag, []device.Command{pkt.ReadCommand()})
	if err != nil {
		return err
	}

	if flags == ReadAsync {
		return nil
	}

	return wait(ctx, done)
}

// Stop disables the counters and delivers the final values.
func (c *Context) Stop(ctx context.Context) error {
	pkt, err := c.acquireRunning(ctx)
	if err != nil {
		return err
	}

	done, err := c.submit(opStop, pkt, 0, []device.Command{pkt.StopCommand(), pkt.ReadCommand()})
	if err != nil {
		return err
	}

	return wait(ctx, done)
}

// Close waits for any operation in flight and releases the packet.
func (c *Context) Close(ctx context.Context) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	pkt := c.packet
	c.packet = nil
	c.running = false
	c.mu.Unlock()

	if pkt == nil {
		return nil
	}

	c.countPacket("release")

	return pkt.Release()
}

func (c *Context) acquireRunning(ctx context.Context) (*aql.CounterPacket, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	pkt, running := c.packet, c.running
	c.mu.Unlock()

	if !running || pkt == nil {
		c.abort()

		return nil, ErrNotStarted
	}

	return pkt, nil
}

// acquire waits for StateReady and moves to StateInProgress.
func (c *Context) acquire(ctx context.Context) error {
	waited := false

	for {
		c.mu.Lock()

		if c.state == StateReady {
			c.ready = make(chan struct{})
			c.setState(StateInProgress)
			c.mu.Unlock()

			return nil
		}

		ch := c.ready
		c.mu.Unlock()

		if !waited {
			waited = true

			if c.health != nil {
				c.health.SamplingWaits.Inc()
			}
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("waiting for sampling context: %w", ctx.Err())
		}
	}
}

func (c *Context) waitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, ch := c.state, c.ready
		c.mu.Unlock()

		if state == StateReady {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("waiting for sampling context: %w", ctx.Err())
		}
	}
}

// abort returns an in-progress context to ready without a completion.
func (c *Context) abort() {
	c.mu.Lock()
	c.setState(StateReady)
	close(c.ready)
	c.mu.Unlock()
}

func (c *Context) submit(o op, pkt *aql.CounterPacket, tag uint64, cmds []device.Command) (<-chan struct{}, error) {
	done := make(chan struct{})

	err := c.queue.Inject(cmds, func(s *queue.Session) {
		c.complete(o, pkt, tag, s)
		close(done)
	})
	if err != nil {
		c.abort()

		return nil, fmt.Errorf("submitting sampling %s: %w", o, err)
	}

	c.log.WithFields(logrus.Fields{"op": o.String(), "tag": tag}).Debug("Submitted sampling operation")

	return done, nil
}

// complete runs on the queue dispatcher once the operation's commands have
// executed.
func (c *Context) complete(o op, pkt *aql.CounterPacket, tag uint64, s *queue.Session) {
	c.mu.Lock()
	c.setState(StateComplete)

	switch o {
	case opStart:
		c.running = true
	case opStop:
		c.running = false
	}
	c.mu.Unlock()

	if o != opStart {
		c.deliver(pkt, tag, s)
	}

	c.mu.Lock()
	c.setState(StateReady)
	close(c.ready)
	c.mu.Unlock()
}

func (c *Context) deliver(pkt *aql.CounterPacket, tag uint64, s *queue.Session) {
	values, err := Values(c.builder, pkt)
	if err != nil {
		c.log.WithError(err).Error("Failed to decode agent sample")

		return
	}

	agent := c.builder.Agent()

	sample := Sample{
		Source:     SourceAgent,
		Tag:        tag,
		AgentID:    agent.ID(),
		Arch:       agent.Name(),
		QueueID:    s.QueueID,
		DispatchID: s.DispatchID,
		ThreadID:   s.ThreadID,
		Values:     values,
	}
	sample.Stamp()

	if c.health != nil {
		c.health.SamplesCollected.WithLabelValues(string(SourceAgent)).Inc()
	}

	if c.onSample != nil {
		c.onSample(sample)
	}
}

// setState applies a transition. Callers hold c.mu.
func (c *Context) setState(to State) {
	legal := false

	for _, next := range transitions[c.state] {
		if next == to {
			legal = true

			break
		}
	}

	if !legal {
		c.log.WithFields(logrus.Fields{
			"from": c.state.String(),
			"to":   to.String(),
		}).Error("Illegal sampling state transition")
	}

	c.state = to

	if c.health != nil {
		c.health.SamplingState.Set(float64(to))
	}
}

func (c *Context) countPacket(event string) {
	if c.health == nil {
		return
	}

	kind := aql.KindCounter.String()

	switch event {
	case "construct":
		c.health.PacketsConstructed.WithLabelValues(kind).Inc()
	case "error":
		c.health.PacketConstructErrors.WithLabelValues(kind).Inc()
	case "release":
		c.health.PacketsReleased.WithLabelValues(kind).Inc()
	}
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sampling result: %w", ctx.Err())
	}
}
