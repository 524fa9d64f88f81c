// Package counters holds metric definitions, the process-scoped metric
// registry and the resolver that expands metrics into hardware events.
package counters

import "fmt"

// Metric is a countable or derived hardware quantity defined for an agent
// architecture. Metrics are immutable values; compare them with Equal.
type Metric struct {
	id          uint64
	arch        string
	name        string
	block       string
	event       string
	description string
	expression  string
	special     bool
}

func newMetric(id uint64, arch string, def Definition) Metric {
	return Metric{
		id:          id,
		arch:        arch,
		name:        def.Name,
		block:       def.Block,
		event:       def.Event,
		description: def.Description,
		expression:  def.Expression,
		special:     def.Special,
	}
}

// ID returns the registry-assigned id. Ids fit a 16-bit wire field.
func (m Metric) ID() uint64 { return m.id }

// Arch returns the architecture the metric was defined for, or
// "constant" for agent-property pseudo metrics.
func (m Metric) Arch() string { return m.arch }

// Name returns the metric name.
func (m Metric) Name() string { return m.name }

// Block returns the hardware block the raw event is counted on.
func (m Metric) Block() string { return m.block }

// Event returns the raw event descriptor. Empty for derived and constant
// metrics.
func (m Metric) Event() string { return m.event }

// Description returns the human description.
func (m Metric) Description() string { return m.description }

// Expression returns the derivation expression of a derived metric.
func (m Metric) Expression() string { return m.expression }

// Special reports whether the metric is a constant taken from agent
// properties rather than counted by hardware.
func (m Metric) Special() bool { return m.special }

// Derived reports whether the metric is computed from other metrics.
func (m Metric) Derived() bool { return m.event == "" && m.expression != "" }

// Equal compares every descriptive field and the id.
func (m Metric) Equal(other Metric) bool {
	return m == other
}

// String returns "name(id)".
func (m Metric) String() string {
	return fmt.Sprintf("%s(%d)", m.name, m.id)
}
