// Package aql builds the command packets injected around kernel dispatches:
// counter start/stop/read packets, trace control packets and code-object
// markers.
package aql

import (
	"sync/atomic"

	"github.com/ethpandaops/queuetap/internal/device"
)

// Kind identifies a packet variant.
type Kind uint8

const (
	KindCounter Kind = iota + 1
	KindTraceControl
	KindCodeObjectMarker
)

// String returns the variant name.
func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindTraceControl:
		return "trace_control"
	case KindCodeObjectMarker:
		return "codeobj_marker"
	default:
		return "unknown"
	}
}

// Packet is a set of commands placed before and after a dispatch.
//
// A packet has exactly one owner at a time. Release frees device memory and
// must only be called once the commands referencing that memory have
// completed.
type Packet interface {
	// PopulateBefore fills the commands that precede the dispatch.
	PopulateBefore()
	// PopulateAfter fills the commands that follow the dispatch.
	PopulateAfter()
	// Clear empties both sequences and keeps the buffers.
	Clear()
	// IsEmpty reports whether the packet has nothing to inject.
	IsEmpty() bool
	// Before returns the populated leading commands.
	Before() []device.Command
	// After returns the populated trailing commands.
	After() []device.Command
	// Kind returns the variant.
	Kind() Kind
	// Release frees the packet's device memory. Calls after the first
	// are no-ops.
	Release() error

	sealed()
}

type base struct {
	kind     Kind
	empty    bool
	before   []device.Command
	after    []device.Command
	released atomic.Bool
}

func newBase(kind Kind) base {
	return base{kind: kind, empty: true}
}

func (b *base) Clear() {
	b.before = b.before[:0]
	b.after = b.after[:0]
	b.empty = true
}

func (b *base) IsEmpty() bool { return b.empty }

func (b *base) Before() []device.Command { return b.before }

func (b *base) After() []device.Command { return b.after }

func (b *base) Kind() Kind { return b.kind }

func (b *base) sealed() {}

// release reports whether this is the first release.
func (b *base) release() bool {
	return b.released.CompareAndSwap(false, true)
}

// Released reports whether Release has run.
func (b *base) Released() bool {
	return b.released.Load()
}

func vendor(op device.Opcode, args [6]uint64) device.Command {
	return device.Command{
		Type:    device.PacketTypeVendorSpecific,
		Barrier: true,
		Opcode:  op,
		Args:    args,
	}
}
