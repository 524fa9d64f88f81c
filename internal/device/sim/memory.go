package sim

import (
	"fmt"
	"sync"

	"github.com/ethpandaops/queuetap/internal/device"
)

const baseAddr = 0x7f0000000000

// MemoryStats counts allocator calls.
type MemoryStats struct {
	Allocs    int
	Frees     int
	LiveBytes int
}

// Memory is a page-aligned pool with address resolution.
type Memory struct {
	mu      sync.Mutex
	limit   int
	next    uint64
	buffers map[uint64]*device.Buffer
	stats   MemoryStats

	// failAfter makes the n-th next Allocate call fail; -1 disables.
	failAfter int
}

var _ device.Allocator = (*Memory)(nil)

// NewMemory creates a pool capped at limit bytes (0 = unlimited).
func NewMemory(limit int) *Memory {
	return &Memory{
		limit:     limit,
		next:      baseAddr,
		buffers:   make(map[uint64]*device.Buffer, 64),
		failAfter: -1,
	}
}

// Allocate returns a page-aligned buffer.
func (m *Memory) Allocate(size int, kind device.MemoryKind) (*device.Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocating %d bytes: invalid size", size)
	}

	aligned := device.PageAlign(size)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAfter == 0 {
		m.failAfter = -1

		return nil, fmt.Errorf("allocating %d %s bytes: %w", aligned, kind, device.ErrResourceExhausted)
	}

	if m.failAfter > 0 {
		m.failAfter--
	}

	if m.limit > 0 && m.stats.LiveBytes+aligned > m.limit {
		return nil, fmt.Errorf("allocating %d %s bytes: %w", aligned, kind, device.ErrResourceExhausted)
	}

	buf := &device.Buffer{
		Addr:  m.next,
		Size:  aligned,
		Kind:  kind,
		Bytes: make([]byte, aligned),
	}

	m.next += uint64(aligned)
	m.buffers[buf.Addr] = buf
	m.stats.Allocs++
	m.stats.LiveBytes += aligned

	return buf, nil
}

// Free releases a buffer.
func (m *Memory) Free(buf *device.Buffer) error {
	if buf == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.buffers[buf.Addr]; !ok {
		return fmt.Errorf("freeing unknown buffer %#x", buf.Addr)
	}

	delete(m.buffers, buf.Addr)
	m.stats.Frees++
	m.stats.LiveBytes -= buf.Size

	return nil
}

// Copy writes src into dst at offset.
func (m *Memory) Copy(dst *device.Buffer, offset int, src []byte) error {
	if dst == nil {
		return fmt.Errorf("copy into nil buffer")
	}

	if offset < 0 || offset+len(src) > dst.Size {
		return fmt.Errorf("copy of %d bytes at %d overflows %d byte buffer", len(src), offset, dst.Size)
	}

	copy(dst.Bytes[offset:], src)

	return nil
}

// Resolve maps a device address to the buffer containing it.
func (m *Memory) Resolve(addr uint64) (*device.Buffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[addr]

	return buf, ok
}

// FailAfter makes the allocation after n successful ones fail.
func (m *Memory) FailAfter(n int) {
	m.mu.Lock()
	m.failAfter = n
	m.mu.Unlock()
}

// Stats returns allocator counters.
func (m *Memory) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stats
}
