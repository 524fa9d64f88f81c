package sim

import (
	"sort"

	"github.com/ethpandaops/queuetap/internal/device"
)

// Agent is a simulated compute agent.
type Agent struct {
	id     device.AgentID
	arch   string
	blocks []device.BlockInfo
	byName map[string]device.BlockInfo
	mem    *Memory
}

var _ device.Agent = (*Agent)(nil)

// NewAgent creates an agent from cfg. Block ids follow configuration order
// starting at 1.
func NewAgent(id device.AgentID, cfg Config) *Agent {
	cfg.ApplyDefaults()

	a := &Agent{
		id:     id,
		arch:   cfg.Arch,
		blocks: make([]device.BlockInfo, 0, len(cfg.Blocks)),
		byName: make(map[string]device.BlockInfo, len(cfg.Blocks)),
		mem:    NewMemory(cfg.MemoryLimit),
	}

	for i, b := range cfg.Blocks {
		info := device.BlockInfo{
			ID:          uint16(i + 1),
			Name:        b.Name,
			Instances:   b.Instances,
			MaxCounters: b.MaxCounters,
		}

		a.blocks = append(a.blocks, info)
		a.byName[info.Name] = info
	}

	sort.Slice(a.blocks, func(i, j int) bool { return a.blocks[i].ID < a.blocks[j].ID })

	return a
}

func (a *Agent) ID() device.AgentID { return a.id }

func (a *Agent) Name() string { return a.arch }

func (a *Agent) Blocks() []device.BlockInfo {
	out := make([]device.BlockInfo, len(a.blocks))
	copy(out, a.blocks)

	return out
}

func (a *Agent) Block(name string) (device.BlockInfo, bool) {
	b, ok := a.byName[name]

	return b, ok
}

func (a *Agent) Allocator() device.Allocator { return a.mem }

// Memory returns the concrete pool, for address resolution and stats.
func (a *Agent) Memory() *Memory { return a.mem }

func (a *Agent) blockByID(id uint16) (device.BlockInfo, bool) {
	for _, b := range a.blocks {
		if b.ID == id {
			return b, true
		}
	}

	return device.BlockInfo{}, false
}
