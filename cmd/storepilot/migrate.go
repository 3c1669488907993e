package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Strob0t/storepilot/internal/adapter/postgres"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if err := postgres.RunMigrations(cmd.Context(), cfg.Postgres.DSN); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			return printVersion(cmd, cfg.Postgres.DSN)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if err := postgres.RollbackMigrations(cmd.Context(), cfg.Postgres.DSN, steps); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			return printVersion(cmd, cfg.Postgres.DSN)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return printVersion(cmd, cfg.Postgres.DSN)
		},
	})

	return cmd
}

func printVersion(cmd *cobra.Command, dsn string) error {
	v, err := postgres.MigrationVersion(cmd.Context(), dsn)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
	return err
}
