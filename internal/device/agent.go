// Package device defines the collaborators the profiler consumes from a GPU
// runtime: agents with countable hardware blocks, page-aligned memory,
// completion signals and hardware command queues.
package device

import "fmt"

// AgentID identifies a compute agent within a process.
type AgentID uint64

// String returns the agent id in the "agent-N" form used in logs.
func (id AgentID) String() string {
	return fmt.Sprintf("agent-%d", uint64(id))
}

// BlockInfo describes a countable hardware block on an agent.
type BlockInfo struct {
	// ID is the wire identifier written into command buffers.
	ID uint16
	// Name is the block name used by metric definitions (e.g. "SQ", "TCC").
	Name string
	// Instances is the number of physical instances of the block.
	Instances uint32
	// MaxCounters is how many distinct events can be counted on the
	// block at the same time.
	MaxCounters uint32
}

// Agent is a compute device exposing hardware counter blocks and memory.
type Agent interface {
	// ID returns the process-unique agent identifier.
	ID() AgentID
	// Name returns the hardware generation, e.g. "gfx90a".
	Name() string
	// Blocks returns every countable block, ordered by block id.
	Blocks() []BlockInfo
	// Block looks up a countable block by name.
	Block(name string) (BlockInfo, bool)
	// Allocator returns the page-aligned pool used for command and
	// output buffers.
	Allocator() Allocator
}
