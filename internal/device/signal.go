package device

import (
	"context"
	"sync"
	"sync/atomic"
)

// SignalHandle is the device-visible identifier of a Signal. Zero means
// "no signal".
type SignalHandle uint64

// Signal is a completion signal: an atomically updated 64-bit value that
// the device decrements when a command carrying its handle finishes.
// Waiters block until the value satisfies a condition.
type Signal struct {
	handle SignalHandle
	value  atomic.Int64

	mu      sync.Mutex
	changed chan struct{}
}

// NewSignal creates a signal with the given handle and initial value.
func NewSignal(handle SignalHandle, initial int64) *Signal {
	s := &Signal{
		handle:  handle,
		changed: make(chan struct{}),
	}

	s.value.Store(initial)

	return s
}

// Handle returns the device-visible handle.
func (s *Signal) Handle() SignalHandle {
	return s.handle
}

// Load returns the current value.
func (s *Signal) Load() int64 {
	return s.value.Load()
}

// Store sets the value and wakes waiters.
func (s *Signal) Store(v int64) {
	s.value.Store(v)
	s.notify()
}

// Add adds delta to the value, wakes waiters and returns the new value.
func (s *Signal) Add(delta int64) int64 {
	v := s.value.Add(delta)
	s.notify()

	return v
}

// Wait blocks until cond holds for the signal value or ctx is done.
func (s *Signal) Wait(ctx context.Context, cond func(int64) bool) (int64, error) {
	for {
		s.mu.Lock()
		ch := s.changed
		v := s.value.Load()
		s.mu.Unlock()

		if cond(v) {
			return v, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

// WaitZero blocks until the value reaches zero.
func (s *Signal) WaitZero(ctx context.Context) error {
	_, err := s.Wait(ctx, func(v int64) bool { return v == 0 })

	return err
}

func (s *Signal) notify() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// SignalTable hands out signals and resolves handles back to them, the
// way a runtime maps signal handles written into commands.
type SignalTable struct {
	mu      sync.RWMutex
	next    SignalHandle
	signals map[SignalHandle]*Signal
}

// NewSignalTable creates an empty table.
func NewSignalTable() *SignalTable {
	return &SignalTable{
		signals: make(map[SignalHandle]*Signal, 64),
	}
}

// CreateSignal allocates a new signal.
func (t *SignalTable) CreateSignal(initial int64) (*Signal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	sig := NewSignal(t.next, initial)
	t.signals[sig.handle] = sig

	return sig, nil
}

// DestroySignal removes a signal from the table.
func (t *SignalTable) DestroySignal(sig *Signal) {
	if sig == nil {
		return
	}

	t.mu.Lock()
	delete(t.signals, sig.handle)
	t.mu.Unlock()
}

// Lookup resolves a handle.
func (t *SignalTable) Lookup(h SignalHandle) (*Signal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sig, ok := t.signals[h]

	return sig, ok
}

// Len returns the number of live signals.
func (t *SignalTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.signals)
}
