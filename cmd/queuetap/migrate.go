package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/queuetap/internal/migrate"
)

func migrateCmd() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ClickHouse schema",
	}

	cmd.PersistentFlags().StringVar(
		&dsn, "dsn", "",
		"ClickHouse DSN, e.g. clickhouse://localhost:9000/default (required)",
	)

	_ = cmd.MarkPersistentFlagRequired("dsn")

	newMigrator := func() (migrate.Migrator, error) {
		log, err := newLogger("")
		if err != nil {
			return nil, err
		}

		return migrate.New(log, dsn), nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				return m.Up(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				return m.Down(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the applied migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				current, dirty, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}

				available, err := migrate.Available()
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "version: %d\ndirty: %t\nlatest: %d\n",
					current, dirty, available[len(available)-1])

				return nil
			},
		},
	)

	return cmd
}
