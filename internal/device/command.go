package device

import (
	"encoding/binary"
	"fmt"
)

// CommandSize is the wire size of every queue command.
const CommandSize = 64

// PacketType is the AQL packet format in the command header.
type PacketType uint8

const (
	PacketTypeVendorSpecific PacketType = 0
	PacketTypeInvalid        PacketType = 1
	PacketTypeKernelDispatch PacketType = 2
	PacketTypeBarrierAnd     PacketType = 3
	PacketTypeAgentDispatch  PacketType = 4
	PacketTypeBarrierOr      PacketType = 5
)

// String returns the human-readable packet type.
func (t PacketType) String() string {
	switch t {
	case PacketTypeVendorSpecific:
		return "vendor_specific"
	case PacketTypeInvalid:
		return "invalid"
	case PacketTypeKernelDispatch:
		return "kernel_dispatch"
	case PacketTypeBarrierAnd:
		return "barrier_and"
	case PacketTypeAgentDispatch:
		return "agent_dispatch"
	case PacketTypeBarrierOr:
		return "barrier_or"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Opcode selects the vendor-specific operation of a PacketTypeVendorSpecific
// command.
type Opcode uint16

const (
	OpcodeNone Opcode = iota
	OpcodeCounterStart
	OpcodeCounterStop
	OpcodeCounterRead
	OpcodeTraceStart
	OpcodeTraceStop
	OpcodeCodeObjectMarker
)

// String returns the opcode name.
func (o Opcode) String() string {
	switch o {
	case OpcodeNone:
		return "none"
	case OpcodeCounterStart:
		return "counter_start"
	case OpcodeCounterStop:
		return "counter_stop"
	case OpcodeCounterRead:
		return "counter_read"
	case OpcodeTraceStart:
		return "trace_start"
	case OpcodeTraceStop:
		return "trace_stop"
	case OpcodeCodeObjectMarker:
		return "codeobj_marker"
	default:
		return fmt.Sprintf("unknown(%d)", o)
	}
}

const headerBarrierBit = 1 << 8

// Command is one fixed-size queue packet.
//
// Layout (little endian):
//
//	0x00 header  u16  packet type in bits 0-7, barrier in bit 8
//	0x02 opcode  u16
//	0x04 setup   u32
//	0x08 args    6 x u64
//	0x38 signal  u64  completion signal handle
type Command struct {
	Type             PacketType
	Barrier          bool
	Opcode           Opcode
	Setup            uint32
	Args             [6]uint64
	CompletionSignal SignalHandle
}

// Null is the zero vendor packet used as a placeholder before a command
// has been built.
var Null = Command{Type: PacketTypeVendorSpecific}

// KernelDispatch builds a kernel dispatch command for a kernel object.
func KernelDispatch(kernelObject, kernargAddr uint64, gridSize uint32) Command {
	return Command{
		Type:    PacketTypeKernelDispatch,
		Barrier: true,
		Setup:   gridSize,
		Args:    [6]uint64{kernelObject, kernargAddr},
	}
}

// BarrierAnd builds a barrier that decrements sig once every prior command
// in the queue has completed.
func BarrierAnd(sig SignalHandle) Command {
	return Command{
		Type:             PacketTypeBarrierAnd,
		Barrier:          true,
		CompletionSignal: sig,
	}
}

// IsVendor reports whether c is a vendor-specific command with opcode op.
func (c Command) IsVendor(op Opcode) bool {
	return c.Type == PacketTypeVendorSpecific && c.Opcode == op
}

// MarshalBinary encodes the command into its 64-byte wire form.
func (c Command) MarshalBinary() ([]byte, error) {
	buf := make([]byte, CommandSize)
	c.put(buf)

	return buf, nil
}

// UnmarshalBinary decodes a 64-byte wire command.
func (c *Command) UnmarshalBinary(data []byte) error {
	if len(data) < CommandSize {
		return fmt.Errorf("command too short: %d bytes", len(data))
	}

	header := binary.LittleEndian.Uint16(data[0:2])
	c.Type = PacketType(header & 0xff)
	c.Barrier = header&headerBarrierBit != 0
	c.Opcode = Opcode(binary.LittleEndian.Uint16(data[2:4]))
	c.Setup = binary.LittleEndian.Uint32(data[4:8])

	for i := range c.Args {
		off := 8 + i*8
		c.Args[i] = binary.LittleEndian.Uint64(data[off : off+8])
	}

	c.CompletionSignal = SignalHandle(binary.LittleEndian.Uint64(data[56:64]))

	return nil
}

func (c Command) put(buf []byte) {
	header := uint16(c.Type)
	if c.Barrier {
		header |= headerBarrierBit
	}

	binary.LittleEndian.PutUint16(buf[0:2], header)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(c.Opcode))
	binary.LittleEndian.PutUint32(buf[4:8], c.Setup)

	for i, a := range c.Args {
		off := 8 + i*8
		binary.LittleEndian.PutUint64(buf[off:off+8], a)
	}

	binary.LittleEndian.PutUint64(buf[56:64], uint64(c.CompletionSignal))
}

// EncodeCommands writes cmds back to back into a ring-sized byte slice.
func EncodeCommands(cmds []Command) []byte {
	buf := make([]byte, len(cmds)*CommandSize)

	for i, c := range cmds {
		c.put(buf[i*CommandSize : (i+1)*CommandSize])
	}

	return buf
}

// Argument slots of vendor commands.
const (
	// Counter start/stop/read.
	ArgProgramAddr = 0
	ArgProgramSize = 1
	ArgOutputAddr  = 2
	ArgOutputSize  = 3
	ArgEventCount  = 4

	// Trace start/stop. Target packs the CU in the low word and the
	// shader-engine mask in the high word; Filter packs the SIMD mask and
	// the wave filter the same way.
	ArgControlAddr = 0
	ArgTraceAddr   = 1
	ArgTraceSize   = 2
	ArgTraceTarget = 3
	ArgTraceFilter = 4

	// Code-object marker.
	ArgMarkerID    = 0
	ArgMarkerAddr  = 1
	ArgMarkerSize  = 2
	ArgMarkerFlags = 3
)

// PackWords joins two 32-bit values into one argument slot.
func PackWords(lo, hi uint32) uint64 {
	return uint64(hi)<<32 | uint64(lo)
}

// UnpackWords splits an argument slot packed by PackWords.
func UnpackWords(v uint64) (lo, hi uint32) {
	return uint32(v), uint32(v >> 32)
}
