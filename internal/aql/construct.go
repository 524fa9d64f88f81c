package aql

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/queuetap/internal/counters"
	"github.com/ethpandaops/queuetap/internal/device"
)

// CounterPacketBuilder turns a metric set into counter packets for one
// agent. The metric set is resolved once, at construction.
type CounterPacketBuilder struct {
	log        logrus.FieldLogger
	agent      device.Agent
	resolution *counters.Resolution
	selects    []device.CounterSelect
	program    []byte
}

// NewCounterPacketBuilder resolves metrics on agent. Configuration errors
// (unknown metric, block limit, malformed event) are returned here, before
// any device memory is touched.
func NewCounterPacketBuilder(
	log logrus.FieldLogger,
	agent device.Agent,
	registry *counters.Registry,
	metrics []counters.Metric,
) (*CounterPacketBuilder, error) {
	res, err := counters.NewResolver(agent, registry).Resolve(metrics)
	if err != nil {
		return nil, fmt.Errorf("resolving counters on %s: %w", agent.ID(), err)
	}

	selects := make([]device.CounterSelect, 0, len(res.Events))

	for _, e := range res.Events {
		block, ok := agent.Block(e.Block)
		if !ok {
			return nil, fmt.Errorf("block %s vanished from %s: %w", e.Block, agent.ID(), counters.ErrConfiguration)
		}

		selects = append(selects, device.CounterSelect{
			BlockID:  block.ID,
			Instance: uint16(e.Instance),
			EventID:  e.EventID,
		})
	}

	b := &CounterPacketBuilder{
		log:        log.WithField("component", "aql/counters"),
		agent:      agent,
		resolution: res,
		selects:    selects,
		program:    device.EncodeProgram(selects),
	}

	b.log.WithFields(logrus.Fields{
		"agent":   agent.ID(),
		"metrics": len(res.Metrics()),
		"events":  len(res.Events),
	}).Debug("Resolved counter set")

	return b, nil
}

// ConstructPacket allocates and fills a counter packet. A nil alloc uses
// the agent's pool. On failure everything allocated is freed and the
// error wraps device.ErrResourceExhausted.
func (b *CounterPacketBuilder) ConstructPacket(alloc device.Allocator) (*CounterPacket, error) {
	if alloc == nil {
		alloc = b.agent.Allocator()
	}

	n := len(b.selects)

	program, err := alloc.Allocate(device.PageAlign(device.ProgramSize(n)), device.MemoryKindCommand)
	if err != nil {
		return nil, fmt.Errorf("allocating command buffer: %w", exhausted(err))
	}

	outSize := n * device.RecordSize
	if outSize == 0 {
		outSize = device.RecordSize
	}

	output, err := alloc.Allocate(device.PageAlign(outSize), device.MemoryKindOutput)
	if err != nil {
		b.free(alloc, program)

		return nil, fmt.Errorf("allocating output buffer: %w", exhausted(err))
	}

	if err := alloc.Copy(program, 0, b.program); err != nil {
		b.free(alloc, program, output)

		return nil, fmt.Errorf("writing counter program: %w", err)
	}

	var args [6]uint64
	args[device.ArgProgramAddr] = program.Addr
	args[device.ArgProgramSize] = uint64(len(b.program))
	args[device.ArgOutputAddr] = output.Addr
	args[device.ArgOutputSize] = uint64(output.Size)
	args[device.ArgEventCount] = uint64(n)

	return &CounterPacket{
		base:    newBase(KindCounter),
		agent:   b.agent,
		alloc:   alloc,
		program: program,
		output:  output,
		events:  b.resolution.Events,
		start:   vendor(device.OpcodeCounterStart, args),
		stop:    vendor(device.OpcodeCounterStop, args),
		read:    vendor(device.OpcodeCounterRead, args),
	}, nil
}

func (b *CounterPacketBuilder) free(alloc device.Allocator, bufs ...*device.Buffer) {
	for _, buf := range bufs {
		if err := alloc.Free(buf); err != nil {
			b.log.WithError(err).Warn("Failed to free buffer during rollback")
		}
	}
}

// EventToMetric returns the metric an event was expanded from.
func (b *CounterPacketBuilder) EventToMetric(e counters.Event) (counters.Metric, bool) {
	return b.resolution.Metric(e)
}

// Events returns the resolved events in output-record order.
func (b *CounterPacketBuilder) Events() []counters.Event {
	return b.resolution.Events
}

// CounterEvents returns the events one metric expanded to.
func (b *CounterPacketBuilder) CounterEvents(m counters.Metric) []counters.Event {
	return b.resolution.CounterEvents(m)
}

// Metrics returns the resolved metrics.
func (b *CounterPacketBuilder) Metrics() []counters.Metric {
	return b.resolution.Metrics()
}

// Agent returns the agent packets are built for.
func (b *CounterPacketBuilder) Agent() device.Agent {
	return b.agent
}

func exhausted(err error) error {
	if errors.Is(err, device.ErrResourceExhausted) {
		return err
	}

	return fmt.Errorf("%w: %w", device.ErrResourceExhausted, err)
}
