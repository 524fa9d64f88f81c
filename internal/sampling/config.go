package sampling

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects how periodic reads wait for their result.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Config configures agent sampling.
type Config struct {
	// Enabled turns on the agent sampling context.
	Enabled bool `yaml:"enabled"`

	// Metrics names the metrics to sample on the agent.
	Metrics []string `yaml:"metrics"`

	// Interval is the period between reads. Defaults to 1s.
	Interval time.Duration `yaml:"interval"`

	// Mode is "sync" or "async". Defaults to "async".
	Mode Mode `yaml:"mode"`
}

// DefaultConfig returns a disabled sampling configuration.
func DefaultConfig() Config {
	return Config{
		Interval: time.Second,
		Mode:     ModeAsync,
	}
}

// Validate checks the sampling configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if len(c.Metrics) == 0 {
		return errors.New("sampling.metrics is required when sampling is enabled")
	}

	if c.Interval <= 0 {
		return errors.New("sampling.interval must be positive")
	}

	switch c.Mode {
	case ModeSync, ModeAsync:
	default:
		return fmt.Errorf("sampling.mode %q must be sync or async", c.Mode)
	}

	return nil
}
