package queue

import (
	"sync/atomic"

	"github.com/ethpandaops/queuetap/internal/device"
)

const maxOpcode = device.OpcodeCodeObjectMarker

// CommandStats provides lock-free per-opcode counters for injected vendor
// commands. Snapshot reads and resets all counters, making it suitable for
// periodic reporting.
type CommandStats struct {
	counts [maxOpcode + 1]atomic.Uint64
}

// NewCommandStats creates a new CommandStats instance.
func NewCommandStats() *CommandStats {
	return &CommandStats{}
}

// Record increments the counter for op by one.
func (s *CommandStats) Record(op device.Opcode) {
	if op > maxOpcode {
		return
	}

	s.counts[op].Add(1)
}

// RecordCommands counts every vendor command in cmds.
func (s *CommandStats) RecordCommands(cmds []device.Command) {
	for _, c := range cmds {
		if c.Type == device.PacketTypeVendorSpecific && c.Opcode != device.OpcodeNone {
			s.Record(c.Opcode)
		}
	}
}

// Snapshot reads and resets all counters, returning only non-zero
// entries.
func (s *CommandStats) Snapshot() map[device.Opcode]uint64 {
	result := make(map[device.Opcode]uint64, maxOpcode)

	for i := range s.counts {
		v := s.counts[i].Swap(0)
		if v > 0 {
			result[device.Opcode(i)] = v
		}
	}

	return result
}
