// Package queue intercepts command submission to a hardware queue. Clients
// register callbacks that inject packets around each kernel dispatch and
// are notified, in submission order, when the dispatch completes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/queuetap/internal/aql"
	"github.com/ethpandaops/queuetap/internal/device"
	"github.com/ethpandaops/queuetap/internal/export"
)

var (
	// ErrDeviceSubmission wraps the hardware queue error when a command
	// sequence could not be written. Nothing is retried.
	ErrDeviceSubmission = errors.New("device submission failed")
	// ErrQueueDestroyed is returned for submissions after Destroy began.
	ErrQueueDestroyed = errors.New("queue is being destroyed")
)

// State is the queue lifecycle state.
type State uint32

const (
	StateNormal State = iota
	StateToDestroy
	StateDoneDestroy
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateToDestroy:
		return "to_destroy"
	case StateDoneDestroy:
		return "done_destroy"
	default:
		return "unknown"
	}
}

// EnqueueFunc is called for every intercepted dispatch. The returned packet,
// if any, is injected around the dispatch and owned by the session until a
// completion callback takes it.
type EnqueueFunc func(
	q *Queue,
	cmd device.Command,
	dispatchID uint64,
	userData *UserData,
	external ExternalCorrelation,
	correlationID uint64,
) aql.Packet

// CompletedFunc is called once per session after its completion signal
// fires.
type CompletedFunc func(q *Queue, cmd device.Command, s *Session, injected *Injected)

// SubmitOptions carries the dispatch metadata recorded in the session.
type SubmitOptions struct {
	KernelID      uint64
	CorrelationID uint64
	Contexts      []ContextID
	External      ExternalCorrelation
}

type client struct {
	id        ClientID
	enqueue   EnqueueFunc
	completed CompletedFunc
}

// Queue wraps a hardware queue with interception.
type Queue struct {
	log    logrus.FieldLogger
	hw     device.HardwareQueue
	health *export.HealthMetrics
	stats  *CommandStats
	label  string

	mu        sync.RWMutex
	clients   []client
	notifiers atomic.Int32

	// lock serializes writes to the hardware ring with FIFO appends so
	// completion order matches ring order.
	lock  sync.Mutex
	state atomic.Uint32

	active       *device.Signal
	nextDispatch atomic.Uint64
	pending      *fifo
	done         chan struct{}
}

// New wraps hw and starts the completion dispatcher. health may be nil.
func New(log logrus.FieldLogger, hw device.HardwareQueue, health *export.HealthMetrics) *Queue {
	q := &Queue{
		log:     log.WithField("component", "queue").WithField("queue", hw.ID()),
		hw:      hw,
		health:  health,
		stats:   NewCommandStats(),
		label:   strconv.FormatUint(hw.ID(), 10),
		active:  device.NewSignal(0, 0),
		pending: newFIFO(),
		done:    make(chan struct{}),
	}

	go q.dispatch()

	return q
}

// ID returns the hardware queue id.
func (q *Queue) ID() uint64 { return q.hw.ID() }

// Agent returns the agent the queue dispatches to.
func (q *Queue) Agent() device.Agent { return q.hw.Agent() }

// Stats returns the injected command counters.
func (q *Queue) Stats() *CommandStats { return q.stats }

// State returns the lifecycle state.
func (q *Queue) State() State { return State(q.state.Load()) }

// Notifiers returns the number of registered clients.
func (q *Queue) Notifiers() int { return int(q.notifiers.Load()) }

// ActiveKernels returns the number of sessions submitted but not yet
// completed.
func (q *Queue) ActiveKernels() int64 { return q.active.Load() }

// RegisterCallback adds a client. Clients are invoked in registration
// order.
func (q *Queue) RegisterCallback(id ClientID, enqueue EnqueueFunc, completed CompletedFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range q.clients {
		if c.id == id {
			return fmt.Errorf("client %d already registered", id)
		}
	}

	q.clients = append(q.clients, client{id: id, enqueue: enqueue, completed: completed})
	q.notifiers.Add(1)

	if q.health != nil {
		q.health.ClientsRegistered.Inc()
	}

	return nil
}

// RemoveCallback removes a client. Sessions already submitted still call
// the client's completion callback. It reports whether id was registered.
func (q *Queue) RemoveCallback(id ClientID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, c := range q.clients {
		if c.id != id {
			continue
		}

		q.clients = append(q.clients[:i:i], q.clients[i+1:]...)
		q.notifiers.Add(-1)

		if q.health != nil {
			q.health.ClientsRegistered.Dec()
		}

		return true
	}

	return false
}

// Submit intercepts one command. With no clients registered the command is
// written unchanged. Otherwise every client may inject a packet; the ring
// receives the clients' leading commands in registration order, cmd, their
// trailing commands, then a barrier carrying the session signal.
func (q *Queue) Submit(cmd device.Command, opts SubmitOptions) (uint64, error) {
	if q.State() != StateNormal {
		q.submitError("destroyed")

		return 0, ErrQueueDestroyed
	}

	dispatchID := q.nextDispatch.Add(1)

	if q.notifiers.Load() == 0 {
		if err := q.passthrough(cmd); err != nil {
			return 0, err
		}

		return dispatchID, nil
	}

	q.mu.RLock()
	clients := make([]client, len(q.clients))
	copy(clients, q.clients)
	q.mu.RUnlock()

	s := &Session{
		Command:       cmd,
		Injected:      &Injected{},
		ThreadID:      threadID(),
		Agent:         q.hw.Agent(),
		QueueID:       q.hw.ID(),
		KernelID:      opts.KernelID,
		CorrelationID: opts.CorrelationID,
		DispatchID:    dispatchID,
		Contexts:      opts.Contexts,
		External:      opts.External,
		clients:       clients,
	}

	for _, c := range clients {
		if c.enqueue == nil {
			continue
		}

		started := time.Now()
		pkt := c.enqueue(q, cmd, dispatchID, &s.UserData, opts.External, opts.CorrelationID)
		q.observeCallback("enqueue", started)

		if pkt == nil {
			continue
		}

		pkt.PopulateBefore()
		pkt.PopulateAfter()
		s.Injected.add(c.id, pkt)
	}

	if err := q.write(s); err != nil {
		return 0, err
	}

	if q.health != nil {
		q.health.DispatchesSubmitted.Inc()
	}

	return dispatchID, nil
}

// Inject writes profiler-owned commands that are not offered to clients,
// such as agent sampling packets and code-object markers. done runs on the
// dispatcher once the commands complete.
func (q *Queue) Inject(cmds []device.Command, done func(*Session)) error {
	if q.State() != StateNormal {
		q.submitError("destroyed")

		return ErrQueueDestroyed
	}

	s := &Session{
		Injected:   &Injected{},
		ThreadID:   threadID(),
		Agent:      q.hw.Agent(),
		QueueID:    q.hw.ID(),
		DispatchID: q.nextDispatch.Add(1),
		done:       done,
	}

	return q.writeSequence(s, func(sig device.SignalHandle) []device.Command {
		seq := make([]device.Command, 0, len(cmds)+1)
		seq = append(seq, cmds...)

		return append(seq, device.BarrierAnd(sig))
	})
}

func (q *Queue) write(s *Session) error {
	return q.writeSequence(s, func(sig device.SignalHandle) []device.Command {
		return s.Injected.commands(s.Command, sig)
	})
}

func (q *Queue) writeSequence(s *Session, build func(device.SignalHandle) []device.Command) error {
	sig, err := q.hw.CreateSignal(1)
	if err != nil {
		q.discard(s)
		q.submitError("signal")

		return fmt.Errorf("creating completion signal: %w: %w", ErrDeviceSubmission, err)
	}

	s.Signal = sig
	seq := build(sig.Handle())

	q.active.Add(1)
	q.setActiveGauge()

	s.Submitted = time.Now()

	q.lock.Lock()

	if q.State() != StateNormal {
		q.lock.Unlock()
		q.rollback(s)
		q.submitError("destroyed")

		return ErrQueueDestroyed
	}

	err = q.hw.Write(seq)
	if err == nil {
		q.pending.push(s)
	}

	q.lock.Unlock()

	if err != nil {
		q.rollback(s)
		q.submitError(submitReason(err))

		return fmt.Errorf("%w: %w", ErrDeviceSubmission, err)
	}

	q.stats.RecordCommands(seq)

	return nil
}

func (q *Queue) passthrough(cmd device.Command) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.State() != StateNormal {
		q.submitError("destroyed")

		return ErrQueueDestroyed
	}

	if err := q.hw.Write([]device.Command{cmd}); err != nil {
		q.submitError(submitReason(err))

		return fmt.Errorf("%w: %w", ErrDeviceSubmission, err)
	}

	if q.health != nil {
		q.health.PassthroughSubmits.Inc()
	}

	return nil
}

func (q *Queue) rollback(s *Session) {
	q.active.Add(-1)
	q.setActiveGauge()
	q.hw.DestroySignal(s.Signal)
	q.discard(s)
}

func (q *Queue) discard(s *Session) {
	kinds, err := s.Injected.release()
	if err != nil {
		q.log.WithError(err).Warn("Failed to release injected packets")
	}

	q.countReleased(kinds)
}

// dispatch waits for sessions in submission order and runs their
// completion callbacks.
func (q *Queue) dispatch() {
	defer close(q.done)

	for {
		s, ok := q.pending.pop()
		if !ok {
			return
		}

		if err := s.Signal.WaitZero(context.Background()); err != nil {
			q.log.WithError(err).Error("Waiting for completion signal")
		}

		q.complete(s)
	}
}

func (q *Queue) complete(s *Session) {
	for _, c := range s.clients {
		if c.completed == nil {
			continue
		}

		started := time.Now()
		c.completed(q, s.Command, s, s.Injected)
		q.observeCallback("completed", started)
	}

	if s.done != nil {
		s.done(s)
	}

	kinds, err := s.Injected.release()
	if err != nil {
		q.log.WithError(err).WithField("dispatch_id", s.DispatchID).
			Warn("Failed to release injected packets")
	}

	q.countReleased(kinds)
	q.hw.DestroySignal(s.Signal)
	q.active.Add(-1)
	q.setActiveGauge()

	if q.health != nil {
		q.health.SessionsCompleted.Inc()
		q.health.SessionDuration.Observe(time.Since(s.Submitted).Seconds())
	}
}

// Sync blocks until every submitted session has completed.
func (q *Queue) Sync(ctx context.Context) error {
	if err := q.active.WaitZero(ctx); err != nil {
		return fmt.Errorf("waiting for %d active kernels: %w", q.active.Load(), err)
	}

	return nil
}

// Destroy stops accepting submissions, then waits until every outstanding
// session has completed and been reported. Calling it again after a
// cancelled wait resumes waiting.
func (q *Queue) Destroy(ctx context.Context) error {
	q.lock.Lock()

	switch q.State() {
	case StateDoneDestroy:
		q.lock.Unlock()

		return nil
	case StateNormal:
		q.state.Store(uint32(StateToDestroy))
		q.pending.close()
	}

	q.lock.Unlock()

	q.log.WithField("active", q.active.Load()).Debug("Draining queue")

	select {
	case <-q.done:
	case <-ctx.Done():
		return fmt.Errorf("draining queue %d: %w", q.hw.ID(), ctx.Err())
	}

	q.state.Store(uint32(StateDoneDestroy))

	return nil
}

func (q *Queue) submitError(reason string) {
	if q.health != nil {
		q.health.SubmitErrors.WithLabelValues(reason).Inc()
	}
}

func (q *Queue) observeCallback(name string, started time.Time) {
	if q.health != nil {
		q.health.CallbackDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	}
}

func (q *Queue) countReleased(kinds []aql.Kind) {
	if q.health == nil {
		return
	}

	for _, k := range kinds {
		q.health.PacketsReleased.WithLabelValues(k.String()).Inc()
	}
}

func (q *Queue) setActiveGauge() {
	if q.health != nil {
		q.health.ActiveKernels.WithLabelValues(q.label).Set(float64(q.active.Load()))
	}
}

func submitReason(err error) string {
	switch {
	case errors.Is(err, device.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, device.ErrInvalidDoorbell):
		return "doorbell"
	default:
		return "other"
	}
}
