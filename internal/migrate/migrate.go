// Package migrate applies the embedded ClickHouse schema for counter samples
// and trace sessions.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse" // ClickHouse driver.
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

//go:embed sql/*.sql
var migrations embed.FS

// Migrator manages ClickHouse schema migrations.
type Migrator interface {
	// Up applies all pending migrations.
	Up(ctx context.Context) error
	// Down rolls back the last migration.
	Down(ctx context.Context) error
	// Status returns the current migration version.
	Status(ctx context.Context) (version uint, dirty bool, err error)
}

type migrator struct {
	log logrus.FieldLogger
	dsn string
}

// New creates a new Migrator.
// The dsn should be a ClickHouse connection string (e.g., "clickhouse://host:9000/database").
func New(log logrus.FieldLogger, dsn string) Migrator {
	return &migrator{
		log: log.WithField("component", "migrate"),
		dsn: dsn,
	}
}

// Up applies all pending migrations. Cancelling ctx stops after the
// migration in progress.
func (m *migrator) Up(ctx context.Context) error {
	return m.with(ctx, func(mig *migrate.Migrate) error {
		from, _, _ := mig.Version()

		if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}

		to, _, _ := mig.Version()
		m.log.WithFields(logrus.Fields{"from": from, "to": to}).Info("Schema up to date")

		return nil
	})
}

// Down rolls back the last migration.
func (m *migrator) Down(ctx context.Context) error {
	return m.with(ctx, func(mig *migrate.Migrate) error {
		if err := mig.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("rolling back migration: %w", err)
		}

		to, _, _ := mig.Version()
		m.log.WithField("to", to).Info("Rolled back one migration")

		return nil
	})
}

// Status returns the applied version. A fresh database reports 0.
func (m *migrator) Status(ctx context.Context) (uint, bool, error) {
	var (
		version uint
		dirty   bool
	)

	err := m.with(ctx, func(mig *migrate.Migrate) error {
		var err error

		version, dirty, err = mig.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("getting migration version: %w", err)
		}

		return nil
	})

	return version, dirty, err
}

// with opens a migrate instance for fn and forwards ctx cancellation to
// its graceful stop channel.
func (m *migrator) with(ctx context.Context, fn func(*migrate.Migrate) error) error {
	mig, err := m.newMigrate()
	if err != nil {
		return err
	}

	defer func() {
		if srcErr, dbErr := mig.Close(); srcErr != nil || dbErr != nil {
			m.log.WithError(errors.Join(srcErr, dbErr)).Warn("Closing migrate instance")
		}
	}()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			select {
			case mig.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()

	return fn(mig)
}

// Available lists the embedded migration versions in ascending order.
func Available() ([]uint, error) {
	src, err := iofs.New(migrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}
	defer src.Close()

	return versions(src)
}

func versions(src source.Driver) ([]uint, error) {
	v, err := src.First()
	if err != nil {
		return nil, fmt.Errorf("reading first migration: %w", err)
	}

	out := []uint{v}

	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}

		if err != nil {
			return nil, fmt.Errorf("reading migration after %d: %w", v, err)
		}

		out = append(out, next)
		v = next
	}
}

// newMigrate creates a new migrate instance.
func (m *migrator) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	dsn, err := multiStatementDSN(m.dsn)
	if err != nil {
		return nil, err
	}

	mig, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}

	return mig, nil
}

// multiStatementDSN enables ClickHouse multi-statement support, keeping any
// query parameters already present.
func multiStatementDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parsing dsn: %w", err)
	}

	if u.Scheme != "clickhouse" {
		return "", fmt.Errorf("unsupported dsn scheme %q", u.Scheme)
	}

	q := u.Query()
	q.Set("x-multi-statement", "true")
	u.RawQuery = q.Encode()

	return u.String(), nil
}
