package counters

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// MaxMetricID is the largest id a metric may carry. Ids are written into a
// 16-bit field of counter records.
const MaxMetricID = 0xFFFF

const constantArch = "constant"

// ErrMetricIDOverflow is returned when a metric set needs more ids than
// fit in 16 bits.
var ErrMetricIDOverflow = errors.New("metric ids exceed 16 bits")

// Definition is one metric entry in a metric definition file.
type Definition struct {
	Name        string `yaml:"name"`
	Block       string `yaml:"block"`
	Event       string `yaml:"event"`
	Description string `yaml:"description"`
	Expression  string `yaml:"expression"`
	Special     bool   `yaml:"special"`
}

// DefinitionFile is the on-disk metric definition format.
type DefinitionFile struct {
	// Constants names agent properties exposed as pseudo metrics on every
	// architecture.
	Constants []string `yaml:"constants"`

	// Architectures maps a hardware generation (e.g. "gfx90a") to its
	// metrics, in definition order.
	Architectures map[string][]Definition `yaml:"architectures"`
}

// Registry is the process-scoped set of metrics, built once at startup and
// passed to resolvers. It is read-only after construction.
type Registry struct {
	byArch map[string][]Metric
	byID   map[uint64]Metric
	valid  map[string]map[uint64]struct{}
}

// LoadRegistry reads a YAML metric definition file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metric definitions %s: %w", path, err)
	}

	var file DefinitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing metric definitions %s: %w", path, err)
	}

	return NewRegistry(file)
}

// NewRegistry assigns ids and indexes a definition set. Constants get the
// lowest ids, then architectures in lexical order, each in definition order.
func NewRegistry(file DefinitionFile) (*Registry, error) {
	r := &Registry{
		byArch: make(map[string][]Metric, len(file.Architectures)),
		byID:   make(map[uint64]Metric, 256),
		valid:  make(map[string]map[uint64]struct{}, len(file.Architectures)),
	}

	var next uint64

	assign := func(arch string, def Definition) (Metric, error) {
		if next > MaxMetricID {
			return Metric{}, fmt.Errorf("assigning id to %s: %w", def.Name, ErrMetricIDOverflow)
		}

		m := newMetric(next, arch, def)
		r.byID[m.id] = m
		next++

		return m, nil
	}

	constants := make([]Metric, 0, len(file.Constants))

	for _, prop := range file.Constants {
		m, err := assign(constantArch, Definition{
			Name:        prop,
			Description: fmt.Sprintf("Constant value %s from agent properties", prop),
			Special:     true,
		})
		if err != nil {
			return nil, err
		}

		constants = append(constants, m)
	}

	archs := make([]string, 0, len(file.Architectures))
	for arch := range file.Architectures {
		archs = append(archs, arch)
	}

	sort.Strings(archs)

	for _, arch := range archs {
		defs := file.Architectures[arch]
		metrics := make([]Metric, 0, len(defs)+len(constants))
		ids := make(map[uint64]struct{}, len(defs)+len(constants))
		names := make(map[string]struct{}, len(defs))

		for _, def := range defs {
			if def.Name == "" {
				return nil, fmt.Errorf("%s: metric without a name", arch)
			}

			if _, dup := names[def.Name]; dup {
				return nil, fmt.Errorf("%s: duplicate metric %q", arch, def.Name)
			}

			names[def.Name] = struct{}{}

			m, err := assign(arch, def)
			if err != nil {
				return nil, err
			}

			metrics = append(metrics, m)
			ids[m.id] = struct{}{}
		}

		for _, c := range constants {
			metrics = append(metrics, c)
			ids[c.id] = struct{}{}
		}

		r.byArch[arch] = metrics
		r.valid[arch] = ids
	}

	return r, nil
}

// Architectures returns every architecture with definitions, sorted.
func (r *Registry) Architectures() []string {
	archs := make([]string, 0, len(r.byArch))
	for arch := range r.byArch {
		archs = append(archs, arch)
	}

	sort.Strings(archs)

	return archs
}

// MetricsForAgent returns the metrics available on an architecture.
func (r *Registry) MetricsForAgent(arch string) []Metric {
	metrics := r.byArch[arch]
	out := make([]Metric, len(metrics))
	copy(out, metrics)

	return out
}

// IsValid reports whether m is defined for arch.
func (r *Registry) IsValid(arch string, m Metric) bool {
	ids, ok := r.valid[arch]
	if !ok {
		return false
	}

	if _, ok := ids[m.id]; !ok {
		return false
	}

	return r.byID[m.id].Equal(m)
}

// ByID looks up a metric by id.
func (r *Registry) ByID(id uint64) (Metric, bool) {
	m, ok := r.byID[id]

	return m, ok
}

// ByName looks up a metric by name on an architecture.
func (r *Registry) ByName(arch, name string) (Metric, bool) {
	for _, m := range r.byArch[arch] {
		if m.name == name {
			return m, true
		}
	}

	return Metric{}, false
}

// Lookup resolves metric names on an architecture, failing on the first
// unknown name.
func (r *Registry) Lookup(arch string, names []string) ([]Metric, error) {
	out := make([]Metric, 0, len(names))

	for _, name := range names {
		m, ok := r.ByName(arch, name)
		if !ok {
			return nil, fmt.Errorf("metric %q on %s: %w", name, arch, ErrConfiguration)
		}

		out = append(out, m)
	}

	return out, nil
}

// Len returns the number of distinct metric ids.
func (r *Registry) Len() int {
	return len(r.byID)
}
