package counters

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ethpandaops/queuetap/internal/device"
)

// ErrConfiguration is returned when a metric set cannot be collected on an
// agent. Nothing is allocated when it is returned.
var ErrConfiguration = errors.New("invalid counter configuration")

// Event is one concrete hardware event: an event id counted on one instance
// of a block. Events are comparable and used as map keys.
type Event struct {
	Block    string
	Instance uint32
	EventID  uint32
}

// String returns "block[instance]:event".
func (e Event) String() string {
	return fmt.Sprintf("%s[%d]:%d", e.Block, e.Instance, e.EventID)
}

// Resolution is the result of resolving a metric set on an agent.
type Resolution struct {
	// Events is the deduplicated event list in resolution order. Counter
	// output records follow this order.
	Events []Event

	metrics   []Metric
	instances map[uint64][]Event
	byEvent   map[Event]Metric
}

// Metrics returns the resolved metrics in request order, without
// duplicates.
func (r *Resolution) Metrics() []Metric {
	return r.metrics
}

// Metric returns the metric whose expansion produced e.
func (r *Resolution) Metric(e Event) (Metric, bool) {
	m, ok := r.byEvent[e]

	return m, ok
}

// CounterEvents returns the events m expanded to.
func (r *Resolution) CounterEvents(m Metric) []Event {
	return r.instances[m.id]
}

// Resolver expands metrics into the hardware events an agent must count.
type Resolver struct {
	agent    device.Agent
	registry *Registry
}

// NewResolver creates a resolver for one agent.
func NewResolver(agent device.Agent, registry *Registry) *Resolver {
	return &Resolver{
		agent:    agent,
		registry: registry,
	}
}

// Resolve validates metrics against the agent and expands each into one
// event per block instance. The whole set is validated before anything is
// returned; a single bad metric fails the call.
func (r *Resolver) Resolve(metrics []Metric) (*Resolution, error) {
	arch := r.agent.Name()

	res := &Resolution{
		Events:    make([]Event, 0, len(metrics)*4),
		metrics:   make([]Metric, 0, len(metrics)),
		instances: make(map[uint64][]Event, len(metrics)),
		byEvent:   make(map[Event]Metric, len(metrics)*4),
	}

	// Distinct event ids per block; the hardware limit is on concurrent
	// counters per block, independent of the instance fan-out.
	perBlock := make(map[string]map[uint32]struct{}, 8)

	for _, m := range metrics {
		if _, seen := res.instances[m.id]; seen {
			continue
		}

		if !r.registry.IsValid(arch, m) {
			return nil, fmt.Errorf("metric %s not defined for %s: %w", m, arch, ErrConfiguration)
		}

		if m.special {
			res.metrics = append(res.metrics, m)
			res.instances[m.id] = nil

			continue
		}

		block, eventID, err := r.parse(m)
		if err != nil {
			return nil, err
		}

		ids, ok := perBlock[block.Name]
		if !ok {
			ids = make(map[uint32]struct{}, block.MaxCounters)
			perBlock[block.Name] = ids
		}

		ids[eventID] = struct{}{}

		if uint32(len(ids)) > block.MaxCounters {
			return nil, fmt.Errorf(
				"block %s: %d counters requested, limit %d: %w",
				block.Name, len(ids), block.MaxCounters, ErrConfiguration,
			)
		}

		expanded := make([]Event, 0, block.Instances)

		for i := uint32(0); i < block.Instances; i++ {
			e := Event{Block: block.Name, Instance: i, EventID: eventID}
			expanded = append(expanded, e)

			if _, dup := res.byEvent[e]; dup {
				continue
			}

			res.byEvent[e] = m
			res.Events = append(res.Events, e)
		}

		res.metrics = append(res.metrics, m)
		res.instances[m.id] = expanded
	}

	return res, nil
}

func (r *Resolver) parse(m Metric) (device.BlockInfo, uint32, error) {
	if m.Derived() {
		return device.BlockInfo{}, 0, fmt.Errorf(
			"derived metric %s must be expanded to base metrics first: %w",
			m, ErrConfiguration,
		)
	}

	if m.block == "" {
		return device.BlockInfo{}, 0, fmt.Errorf("metric %s has no block: %w", m, ErrConfiguration)
	}

	if m.event == "" {
		return device.BlockInfo{}, 0, fmt.Errorf("metric %s has no event id: %w", m, ErrConfiguration)
	}

	eventID, err := strconv.ParseUint(m.event, 0, 32)
	if err != nil {
		return device.BlockInfo{}, 0, fmt.Errorf(
			"metric %s has malformed event %q: %w", m, m.event, ErrConfiguration,
		)
	}

	block, ok := r.agent.Block(m.block)
	if !ok {
		return device.BlockInfo{}, 0, fmt.Errorf(
			"block %s of metric %s not available on %s: %w",
			m.block, m, r.agent.Name(), ErrConfiguration,
		)
	}

	if block.Instances == 0 || block.MaxCounters == 0 {
		return device.BlockInfo{}, 0, fmt.Errorf(
			"block %s has no countable instances: %w", block.Name, ErrConfiguration,
		)
	}

	if block.Instances > device.MaxBlockInstances {
		return device.BlockInfo{}, 0, fmt.Errorf(
			"block %s has %d instances, more than the %d addressable: %w",
			block.Name, block.Instances, device.MaxBlockInstances, ErrConfiguration,
		)
	}

	return block, uint32(eventID), nil
}
