// Package sim implements a simulated compute agent: page-aligned memory,
// a signal table and an in-order hardware queue that executes counter,
// trace and dispatch commands.
package sim

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/queuetap/internal/device"
)

// BlockConfig describes one countable hardware block.
type BlockConfig struct {
	Name        string `yaml:"name"`
	Instances   uint32 `yaml:"instances"`
	MaxCounters uint32 `yaml:"max_counters"`
}

// Config configures the simulated agent.
type Config struct {
	// Arch is the hardware generation name metrics are looked up by.
	// Defaults to "gfx90a".
	Arch string `yaml:"arch"`

	// Blocks lists the countable blocks. Defaults to a gfx9-like set.
	Blocks []BlockConfig `yaml:"blocks"`

	// MemoryLimit caps the bytes the agent pool can hand out.
	// Zero means unlimited.
	MemoryLimit int `yaml:"memory_limit"`

	// QueueSize is the ring capacity in commands. Defaults to 1024.
	QueueSize int `yaml:"queue_size"`

	// KernelDuration is how long each simulated kernel runs.
	KernelDuration time.Duration `yaml:"kernel_duration"`
}

// DefaultBlocks returns the block layout of the default agent.
func DefaultBlocks() []BlockConfig {
	return []BlockConfig{
		{Name: "GRBM", Instances: 1, MaxCounters: 2},
		{Name: "SQ", Instances: 1, MaxCounters: 8},
		{Name: "SPI", Instances: 4, MaxCounters: 4},
		{Name: "TA", Instances: 16, MaxCounters: 2},
		{Name: "TCP", Instances: 16, MaxCounters: 4},
		{Name: "TCC", Instances: 16, MaxCounters: 4},
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Arch:      "gfx90a",
		Blocks:    DefaultBlocks(),
		QueueSize: 1024,
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Arch == "" {
		c.Arch = defaults.Arch
	}

	if len(c.Blocks) == 0 {
		c.Blocks = defaults.Blocks
	}

	if c.QueueSize <= 0 {
		c.QueueSize = defaults.QueueSize
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Arch == "" {
		return errors.New("device.arch is required")
	}

	seen := make(map[string]struct{}, len(c.Blocks))

	for _, b := range c.Blocks {
		if b.Name == "" {
			return errors.New("device.blocks: block without a name")
		}

		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("device.blocks: duplicate block %q", b.Name)
		}

		if b.Instances > device.MaxBlockInstances {
			return fmt.Errorf("device.blocks: block %q has %d instances, limit is %d",
				b.Name, b.Instances, device.MaxBlockInstances)
		}

		seen[b.Name] = struct{}{}
	}

	if c.MemoryLimit < 0 {
		return errors.New("device.memory_limit must not be negative")
	}

	return nil
}
