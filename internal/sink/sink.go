// Package sink consumes counter samples and trace session summaries.
package sink

import (
	"context"
	"time"

	"github.com/ethpandaops/queuetap/internal/device"
	"github.com/ethpandaops/queuetap/internal/sampling"
)

// Config holds configuration for all sinks.
type Config struct {
	Raw RawConfig `yaml:"raw"`
	Log LogConfig `yaml:"log"`
}

// Validate checks every enabled sink.
func (c *Config) Validate() error {
	if c.Raw.Enabled {
		if err := c.Raw.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Sink defines the interface for sample consumers.
type Sink interface {
	// Name returns the sink's name for logging.
	Name() string
	// Start initializes the sink.
	Start(ctx context.Context) error
	// Stop shuts down the sink.
	Stop() error
	// HandleSample processes one counter sample. It must not block.
	HandleSample(sample sampling.Sample)
	// HandleTrace processes one finished trace session. It must not block.
	HandleTrace(session TraceSession)
}

// TraceSession summarizes one dispatch executed under instruction tracing.
type TraceSession struct {
	Timestamp     time.Time
	AgentID       device.AgentID
	Arch          string
	QueueID       uint64
	DispatchID    uint64
	KernelID      uint64
	CorrelationID uint64
	Summary       device.TraceSummary
	CodeObjects   int
}
