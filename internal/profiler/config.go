package profiler

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/queuetap/internal/aql"
	"github.com/ethpandaops/queuetap/internal/counters"
	"github.com/ethpandaops/queuetap/internal/device/sim"
	"github.com/ethpandaops/queuetap/internal/export"
	"github.com/ethpandaops/queuetap/internal/sampling"
	"github.com/ethpandaops/queuetap/internal/sink"
)

// Config is the top-level configuration for the profiler.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// MetricsPath points at a YAML metric definition file. It takes
	// precedence over inline Metrics.
	MetricsPath string `yaml:"metrics_path"`

	// Metrics holds inline metric definitions.
	Metrics *counters.DefinitionFile `yaml:"metrics"`

	// Device configures the simulated agent.
	Device sim.Config `yaml:"device"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// Dispatch configures per-dispatch counter collection.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Trace configures instruction tracing around dispatches.
	Trace TraceConfig `yaml:"trace"`

	// Sampling configures free-running agent sampling.
	Sampling sampling.Config `yaml:"sampling"`

	// Workload configures the synthetic kernel workload.
	Workload WorkloadConfig `yaml:"workload"`

	// Sinks configures sample consumers.
	Sinks sink.Config `yaml:"sinks"`

	// StatsInterval is how often injected command counts are published.
	// Defaults to 10s.
	StatsInterval time.Duration `yaml:"stats_interval"`

	// ShutdownTimeout bounds draining the queue on stop. Defaults to 30s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DispatchConfig selects counters collected around every dispatch.
type DispatchConfig struct {
	Metrics []string `yaml:"metrics"`
}

// TraceConfig enables the instruction tracer.
type TraceConfig struct {
	Enabled         bool `yaml:"enabled"`
	aql.TraceConfig `yaml:",inline"`
}

// KernelConfig describes one synthetic kernel.
type KernelConfig struct {
	Name string `yaml:"name"`
	Grid uint32 `yaml:"grid"`
}

// WorkloadConfig drives the simulated agent.
type WorkloadConfig struct {
	// Interval between kernel dispatches. Defaults to 100ms.
	Interval time.Duration `yaml:"interval"`

	// Kernels are dispatched round-robin.
	Kernels []KernelConfig `yaml:"kernels"`

	// CodeObjects is how many code objects are loaded before the first
	// dispatch and unloaded on stop.
	CodeObjects int `yaml:"code_objects"`

	// Dispatches stops the workload after this many dispatches. Zero
	// runs until stopped.
	Dispatches int `yaml:"dispatches"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Device:   sim.DefaultConfig(),
		Health: export.HealthConfig{
			Addr: ":9090",
		},
		Trace: TraceConfig{
			TraceConfig: aql.DefaultTraceConfig(),
		},
		Sampling: sampling.DefaultConfig(),
		Workload: WorkloadConfig{
			Interval: 100 * time.Millisecond,
			Kernels:  []KernelConfig{{Name: "vector_add", Grid: 1024}},
		},
		StatsInterval:   10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.Device.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if c.MetricsPath == "" && c.Metrics == nil {
		return errors.New("one of metrics_path or metrics is required")
	}

	if err := c.Device.Validate(); err != nil {
		return err
	}

	if c.Trace.Enabled {
		if err := c.Trace.Validate(); err != nil {
			return err
		}
	}

	if err := c.Sampling.Validate(); err != nil {
		return err
	}

	// Both would program the same counter hardware.
	if c.Sampling.Enabled && len(c.Dispatch.Metrics) > 0 {
		return errors.New("dispatch.metrics and sampling cannot be enabled together")
	}

	if c.Workload.Interval <= 0 {
		return errors.New("workload.interval must be positive")
	}

	if len(c.Workload.Kernels) == 0 {
		return errors.New("workload.kernels is required")
	}

	if c.Workload.CodeObjects < 0 || c.Workload.Dispatches < 0 {
		return errors.New("workload.code_objects and workload.dispatches must not be negative")
	}

	if c.StatsInterval <= 0 {
		return errors.New("stats_interval must be positive")
	}

	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}

	return c.Sinks.Validate()
}

// Registry builds the metric registry from MetricsPath or inline Metrics.
func (c *Config) Registry() (*counters.Registry, error) {
	if c.MetricsPath != "" {
		return counters.LoadRegistry(c.MetricsPath)
	}

	if c.Metrics == nil {
		return nil, errors.New("no metric definitions configured")
	}

	return counters.NewRegistry(*c.Metrics)
}
