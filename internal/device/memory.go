package device

import "errors"

// PageSize is the alignment every command and output buffer is rounded to.
const PageSize = 0x1000

const pageMask = PageSize - 1

// ErrResourceExhausted is returned when device memory cannot be allocated.
var ErrResourceExhausted = errors.New("device memory exhausted")

// PageAlign rounds size up to the next page boundary.
func PageAlign(size int) int {
	return (size + pageMask) &^ pageMask
}

// MemoryKind selects the pool a buffer is allocated from.
type MemoryKind uint8

const (
	// MemoryKindCommand is host-coherent memory read by the command
	// processor.
	MemoryKindCommand MemoryKind = iota
	// MemoryKindOutput is host-visible memory written by the device.
	MemoryKindOutput
	// MemoryKindDevice is device-local memory (trace buffers).
	MemoryKindDevice
)

// String returns the pool name.
func (k MemoryKind) String() string {
	switch k {
	case MemoryKindCommand:
		return "command"
	case MemoryKindOutput:
		return "output"
	case MemoryKindDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Buffer is a page-aligned allocation.
type Buffer struct {
	// Addr is the device-visible address.
	Addr uint64
	// Size is the page-aligned size in bytes.
	Size int
	// Kind is the pool the buffer came from.
	Kind MemoryKind
	// Bytes is the host view of the buffer. Device-local buffers may
	// still expose a view when the runtime maps them.
	Bytes []byte
}

// Allocator is the allocate/free/copy triple of an agent memory pool.
// Implementations must be safe for concurrent use.
type Allocator interface {
	// Allocate returns a buffer of at least size bytes, page aligned.
	Allocate(size int, kind MemoryKind) (*Buffer, error)
	// Free returns a buffer to its pool.
	Free(buf *Buffer) error
	// Copy writes src into dst at offset.
	Copy(dst *Buffer, offset int, src []byte) error
}
