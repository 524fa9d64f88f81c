package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/queuetap/internal/device"
)

// Queue is a simulated in-order hardware queue.
type Queue struct {
	log      logrus.FieldLogger
	id       uint64
	agent    *Agent
	signals  *device.SignalTable
	capacity int
	duration time.Duration

	mu      sync.Mutex
	pending []device.Command
	paused  bool
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	// Worker-owned execution state.
	counters counterState
	trace    traceState
}

type counterState struct {
	running bool
	values  map[device.CounterSelect]uint64
}

type traceState struct {
	active     bool
	control    uint64
	bufferSize uint64
	summary    device.TraceSummary
}

var _ device.HardwareQueue = (*Queue)(nil)

func newQueue(log logrus.FieldLogger, id uint64, agent *Agent, signals *device.SignalTable, cfg Config) *Queue {
	return &Queue{
		log:      log.WithField("queue", id),
		id:       id,
		agent:    agent,
		signals:  signals,
		capacity: cfg.QueueSize,
		duration: cfg.KernelDuration,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		counters: counterState{values: make(map[device.CounterSelect]uint64, 16)},
	}
}

// ID returns the queue id assigned by the device.
func (q *Queue) ID() uint64 { return q.id }

// Agent returns the agent the queue executes on.
func (q *Queue) Agent() device.Agent { return q.agent }

// CreateSignal allocates a signal from the device signal table.
func (q *Queue) CreateSignal(initial int64) (*device.Signal, error) {
	return q.signals.CreateSignal(initial)
}

// DestroySignal returns sig to the device signal table.
func (q *Queue) DestroySignal(sig *device.Signal) {
	q.signals.DestroySignal(sig)
}

// Write appends cmds to the ring. The whole sequence is rejected when it
// does not fit.
func (q *Queue) Write(cmds []device.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return device.ErrInvalidDoorbell
	}

	if len(q.pending)+len(cmds) > q.capacity {
		return fmt.Errorf("%d pending, %d requested, capacity %d: %w",
			len(q.pending), len(cmds), q.capacity, device.ErrQueueFull)
	}

	q.pending = append(q.pending, cmds...)

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return nil
}

// Pause stops the worker after the command it is executing.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume restarts a paused worker.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of commands not yet executed.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Close stops the worker. Commands still pending are dropped and later
// writes fail with device.ErrInvalidDoorbell.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()

		return
	}

	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	<-q.done
}

func (q *Queue) start() {
	go q.run()
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		cmd, ok, stop := q.next()
		if stop {
			return
		}

		if !ok {
			<-q.wake

			continue
		}

		q.execute(cmd)
	}
}

func (q *Queue) next() (device.Command, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return device.Command{}, false, true
	}

	if q.paused || len(q.pending) == 0 {
		return device.Command{}, false, false
	}

	cmd := q.pending[0]
	q.pending[0] = device.Command{}
	q.pending = q.pending[1:]

	return cmd, true, false
}

func (q *Queue) execute(cmd device.Command) {
	switch cmd.Type {
	case device.PacketTypeKernelDispatch:
		q.dispatch(cmd)
	case device.PacketTypeVendorSpecific:
		if err := q.vendor(cmd); err != nil {
			q.log.WithError(err).WithField("opcode", cmd.Opcode).Warn("Vendor command failed")
		}
	case device.PacketTypeBarrierAnd, device.PacketTypeBarrierOr:
		// In-order execution already satisfies barrier semantics.
	default:
		q.log.WithField("type", cmd.Type).Debug("Skipping unsupported command")
	}

	if cmd.CompletionSignal != 0 {
		if sig, ok := q.signals.Lookup(cmd.CompletionSignal); ok {
			sig.Add(-1)
		}
	}
}

func (q *Queue) dispatch(cmd device.Command) {
	if q.duration > 0 {
		time.Sleep(q.duration)
	}

	if q.counters.running {
		grid := uint64(cmd.Setup)
		if grid == 0 {
			grid = 1
		}

		for sel := range q.counters.values {
			q.counters.values[sel] += grid * (uint64(sel.EventID%4) + 1)
		}
	}

	if q.trace.active {
		q.trace.summary.Dispatches++

		if q.trace.summary.Bytes+256 <= q.trace.bufferSize {
			q.trace.summary.Bytes += 256
		}
	}
}

func (q *Queue) vendor(cmd device.Command) error {
	switch cmd.Opcode {
	case device.OpcodeCounterStart:
		selects, err := q.program(cmd)
		if err != nil {
			return err
		}

		clear(q.counters.values)

		for _, sel := range selects {
			if _, ok := q.agent.blockByID(sel.BlockID); !ok {
				return fmt.Errorf("counter select on unknown block %d", sel.BlockID)
			}

			q.counters.values[sel] = 0
		}

		q.counters.running = true
	case device.OpcodeCounterStop:
		q.counters.running = false
	case device.OpcodeCounterRead:
		return q.read(cmd)
	case device.OpcodeTraceStart:
		q.trace = traceState{
			active:     true,
			control:    cmd.Args[device.ArgControlAddr],
			bufferSize: cmd.Args[device.ArgTraceSize],
		}
	case device.OpcodeTraceStop:
		return q.stopTrace()
	case device.OpcodeCodeObjectMarker:
		if q.trace.active {
			q.trace.summary.Markers++
		}
	default:
		return fmt.Errorf("unknown opcode %d", cmd.Opcode)
	}

	return nil
}

func (q *Queue) program(cmd device.Command) ([]device.CounterSelect, error) {
	buf, ok := q.agent.mem.Resolve(cmd.Args[device.ArgProgramAddr])
	if !ok {
		return nil, fmt.Errorf("counter program at unmapped address %#x", cmd.Args[device.ArgProgramAddr])
	}

	return device.DecodeProgram(buf.Bytes)
}

func (q *Queue) read(cmd device.Command) error {
	selects, err := q.program(cmd)
	if err != nil {
		return err
	}

	out, ok := q.agent.mem.Resolve(cmd.Args[device.ArgOutputAddr])
	if !ok {
		return fmt.Errorf("counter output at unmapped address %#x", cmd.Args[device.ArgOutputAddr])
	}

	if len(selects)*device.RecordSize > out.Size {
		return fmt.Errorf("output buffer of %d bytes too small for %d records", out.Size, len(selects))
	}

	for i, sel := range selects {
		device.PutRecord(out.Bytes, i, device.CounterRecord{
			BlockID:  sel.BlockID,
			Instance: sel.Instance,
			EventID:  sel.EventID,
			Value:    q.counters.values[sel],
		})
	}

	return nil
}

func (q *Queue) stopTrace() error {
	if !q.trace.active {
		return nil
	}

	summary := q.trace.summary
	control := q.trace.control
	q.trace = traceState{}

	buf, ok := q.agent.mem.Resolve(control)
	if !ok {
		return fmt.Errorf("trace control block at unmapped address %#x", control)
	}

	return device.PutTraceSummary(buf.Bytes, summary)
}
