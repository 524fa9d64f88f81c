package aql

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/queuetap/internal/counters"
	"github.com/ethpandaops/queuetap/internal/device"
)

// CounterPacket programs, stops and reads a set of hardware counters.
type CounterPacket struct {
	base

	agent   device.Agent
	alloc   device.Allocator
	program *device.Buffer
	output  *device.Buffer
	events  []counters.Event

	start device.Command
	stop  device.Command
	read  device.Command
}

var _ Packet = (*CounterPacket)(nil)

// PopulateBefore places the counter start command.
func (p *CounterPacket) PopulateBefore() {
	p.before = append(p.before[:0], p.start)
	p.empty = false
}

// PopulateAfter places the counter stop and read commands.
func (p *CounterPacket) PopulateAfter() {
	p.after = append(p.after[:0], p.stop, p.read)
	p.empty = false
}

// StartCommand returns the command that programs and enables the counters.
func (p *CounterPacket) StartCommand() device.Command { return p.start }

// StopCommand returns the command that freezes the counters.
func (p *CounterPacket) StopCommand() device.Command { return p.stop }

// ReadCommand returns the command that copies counter values into the
// output buffer.
func (p *CounterPacket) ReadCommand() device.Command { return p.read }

// Agent returns the agent the packet was built for.
func (p *CounterPacket) Agent() device.Agent { return p.agent }

// Events returns the events in output-record order.
func (p *CounterPacket) Events() []counters.Event { return p.events }

// OutputSize returns the size of the output buffer.
func (p *CounterPacket) OutputSize() int { return p.output.Size }

// Records decodes the output buffer. Only meaningful after the read command
// has completed.
func (p *CounterPacket) Records() ([]device.CounterRecord, error) {
	if p.Released() {
		return nil, errors.New("counter packet already released")
	}

	return device.DecodeRecords(p.output.Bytes, len(p.events))
}

// Release frees the command and output buffers.
func (p *CounterPacket) Release() error {
	if !p.release() {
		return nil
	}

	var errs []error

	if err := p.alloc.Free(p.program); err != nil {
		errs = append(errs, fmt.Errorf("freeing command buffer: %w", err))
	}

	if err := p.alloc.Free(p.output); err != nil {
		errs = append(errs, fmt.Errorf("freeing output buffer: %w", err))
	}

	return errors.Join(errs...)
}
