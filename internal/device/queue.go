package device

import "errors"

var (
	// ErrQueueFull is returned when the ring has no room for the
	// command sequence.
	ErrQueueFull = errors.New("hardware queue full")
	// ErrInvalidDoorbell is returned when the queue doorbell is no
	// longer valid (queue destroyed by the runtime).
	ErrInvalidDoorbell = errors.New("invalid queue doorbell")
)

// SignalPool creates and destroys completion signals.
type SignalPool interface {
	CreateSignal(initial int64) (*Signal, error)
	DestroySignal(sig *Signal)
}

// HardwareQueue is the runtime queue commands are ultimately written to.
// Commands written in one Write call are contiguous in the ring and
// execute in order.
type HardwareQueue interface {
	SignalPool

	// ID returns the runtime queue identifier.
	ID() uint64
	// Agent returns the agent the queue dispatches to.
	Agent() Agent
	// Write copies cmds into the ring and rings the doorbell.
	Write(cmds []Command) error
}
