package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"
)

// ClickHouseConfig configures the ClickHouse writer.
type ClickHouseConfig struct {
	// Endpoint is the ClickHouse native protocol address. Empty disables
	// ClickHouse writes.
	Endpoint string `yaml:"endpoint"`

	// Database is the target database name.
	// Defaults to "default".
	Database string `yaml:"database"`

	// Table receives counter samples, one row per counter value.
	// Defaults to "counter_samples".
	Table string `yaml:"table"`

	// TraceTable receives trace session summaries.
	// Defaults to "trace_sessions".
	TraceTable string `yaml:"trace_table"`

	// BatchSize is the number of rows per batch insert.
	// Defaults to 10000.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the maximum time between flushes.
	// Defaults to 1s.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Username for ClickHouse authentication.
	Username string `yaml:"username"`

	// Password for ClickHouse authentication.
	Password string `yaml:"password"`

	// MetaHost names the machine the profiler runs on.
	MetaHost string `yaml:"meta_host"`

	// MetaCluster groups hosts, e.g. a training job or node pool.
	MetaCluster string `yaml:"meta_cluster"`
}

// ApplyDefaults fills unset fields.
func (c *ClickHouseConfig) ApplyDefaults() {
	if c.Database == "" {
		c.Database = "default"
	}

	if c.Table == "" {
		c.Table = "counter_samples"
	}

	if c.TraceTable == "" {
		c.TraceTable = "trace_sessions"
	}

	if c.BatchSize <= 0 {
		c.BatchSize = 10000
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
}

// Validate checks the configuration.
func (c *ClickHouseConfig) Validate() error {
	if c.Endpoint == "" {
		return nil
	}

	resolved := *c
	resolved.ApplyDefaults()

	if resolved.Table == resolved.TraceTable {
		return errors.New("clickhouse table and trace_table must differ")
	}

	return nil
}

// Enabled reports whether an endpoint is configured.
func (c *ClickHouseConfig) Enabled() bool {
	return c.Endpoint != ""
}

// ClickHouseWriter manages writes to ClickHouse.
type ClickHouseWriter struct {
	log  logrus.FieldLogger
	cfg  ClickHouseConfig
	conn clickhouse.Conn
}

// NewClickHouseWriter creates a new ClickHouse writer.
func NewClickHouseWriter(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
) *ClickHouseWriter {
	cfg.ApplyDefaults()

	return &ClickHouseWriter{
		log: log.WithField("component", "clickhouse"),
		cfg: cfg,
	}
}

// Start opens the ClickHouse connection.
func (w *ClickHouseWriter) Start(ctx context.Context) error {
	opts := &clickhouse.Options{
		Addr: []string{w.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: w.cfg.Database,
			Username: w.cfg.Username,
			Password: w.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return fmt.Errorf("opening ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("pinging ClickHouse: %w", err)
	}

	w.conn = conn

	w.log.WithFields(logrus.Fields{
		"endpoint": w.cfg.Endpoint,
		"table":    w.QualifiedTable(),
	}).Info("ClickHouse writer connected")

	return nil
}

// Conn returns the underlying ClickHouse connection.
func (w *ClickHouseWriter) Conn() clickhouse.Conn {
	return w.conn
}

// Config returns the writer configuration.
func (w *ClickHouseWriter) Config() ClickHouseConfig {
	return w.cfg
}

// QualifiedTable returns database.table for counter samples.
func (w *ClickHouseWriter) QualifiedTable() string {
	return w.cfg.Database + "." + w.cfg.Table
}

// QualifiedTraceTable returns database.trace_table.
func (w *ClickHouseWriter) QualifiedTraceTable() string {
	return w.cfg.Database + "." + w.cfg.TraceTable
}

// ErrSchemaMissing is returned by CheckSchema when a table is absent.
var ErrSchemaMissing = errors.New("clickhouse schema missing")

// CheckSchema verifies both target tables exist.
func (w *ClickHouseWriter) CheckSchema(ctx context.Context) error {
	rows, err := w.conn.Query(ctx,
		"SELECT name FROM system.tables WHERE database = ? AND name IN (?, ?)",
		w.cfg.Database, w.cfg.Table, w.cfg.TraceTable,
	)
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var found []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scanning table name: %w", err)
		}

		found = append(found, name)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}

	if missing := missingTables([]string{w.cfg.Table, w.cfg.TraceTable}, found); len(missing) > 0 {
		return fmt.Errorf("%w: %v in database %s", ErrSchemaMissing, missing, w.cfg.Database)
	}

	return nil
}

func missingTables(want, found []string) []string {
	have := make(map[string]struct{}, len(found))
	for _, name := range found {
		have[name] = struct{}{}
	}

	var missing []string

	for _, name := range want {
		if _, ok := have[name]; !ok {
			missing = append(missing, name)
		}
	}

	return missing
}

// Stop closes the ClickHouse connection.
func (w *ClickHouseWriter) Stop() error {
	if w.conn != nil {
		return w.conn.Close()
	}

	return nil
}
