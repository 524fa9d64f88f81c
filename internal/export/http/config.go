package http

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config configures NDJSON export of counter samples and trace sessions.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Address receives counter samples.
	Address string `yaml:"address"`

	// TraceAddress receives trace sessions. Defaults to Address.
	TraceAddress string `yaml:"trace_address"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Compression is one of none, gzip, zstd, zlib, snappy. Defaults to gzip.
	Compression string `yaml:"compression"`

	// BatchSize caps items per request. Defaults to 512.
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout flushes a partial batch. Defaults to 5s.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// ExportTimeout bounds one request. Defaults to 30s.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// MaxQueueSize bounds queued items; overflow is dropped.
	// Defaults to 51200.
	MaxQueueSize int `yaml:"max_queue_size"`

	// Workers is the number of concurrent senders. Defaults to 1.
	Workers int `yaml:"workers"`

	// KeepAlive reuses connections. Defaults to true.
	KeepAlive *bool `yaml:"keep_alive"`

	MetaHost    string `yaml:"meta_host"`
	MetaCluster string `yaml:"meta_cluster"`
}

// DefaultConfig returns a disabled Config with every tunable set.
func DefaultConfig() Config {
	keepAlive := true

	return Config{
		Compression:   CompressionGzip,
		BatchSize:     512,
		BatchTimeout:  5 * time.Second,
		ExportTimeout: 30 * time.Second,
		MaxQueueSize:  51200,
		Workers:       1,
		KeepAlive:     &keepAlive,
	}
}

// ApplyDefaults fills every unset field from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()

	if c.TraceAddress == "" {
		c.TraceAddress = c.Address
	}

	if c.Compression == "" {
		c.Compression = d.Compression
	}

	c.BatchSize = orInt(c.BatchSize, d.BatchSize)
	c.MaxQueueSize = orInt(c.MaxQueueSize, d.MaxQueueSize)
	c.Workers = orInt(c.Workers, d.Workers)
	c.BatchTimeout = orDuration(c.BatchTimeout, d.BatchTimeout)
	c.ExportTimeout = orDuration(c.ExportTimeout, d.ExportTimeout)

	if c.KeepAlive == nil {
		c.KeepAlive = d.KeepAlive
	}
}

// Validate reports every problem with an enabled configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Address == "" {
		errs = append(errs, errors.New("http address is required when enabled"))
	} else if err := checkURL(c.Address); err != nil {
		errs = append(errs, fmt.Errorf("address: %w", err))
	}

	if c.TraceAddress != "" {
		if err := checkURL(c.TraceAddress); err != nil {
			errs = append(errs, fmt.Errorf("trace_address: %w", err))
		}
	}

	switch {
	case c.BatchSize <= 0:
		errs = append(errs, errors.New("batch_size must be greater than 0"))
	case c.MaxQueueSize <= 0:
		errs = append(errs, errors.New("max_queue_size must be greater than 0"))
	case c.BatchSize > c.MaxQueueSize:
		errs = append(errs, errors.New("batch_size cannot be greater than max_queue_size"))
	}

	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be greater than 0"))
	}

	if _, ok := contentEncodings[c.Compression]; c.Compression != "" && !ok {
		errs = append(errs, fmt.Errorf("invalid compression type: %s", c.Compression))
	}

	return errors.Join(errs...)
}

// ForTraces returns the configuration used for the trace session stream.
func (c Config) ForTraces() Config {
	if c.TraceAddress != "" {
		c.Address = c.TraceAddress
	}

	return c
}

// IsKeepAlive returns whether HTTP keep-alive is enabled.
func (c *Config) IsKeepAlive() bool {
	return c.KeepAlive == nil || *c.KeepAlive
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q must be http or https", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("missing host")
	}

	return nil
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}

	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}

	return v
}
