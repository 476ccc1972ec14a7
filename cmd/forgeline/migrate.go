package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Strob0t/forgeline/internal/adapter/postgres"
	"github.com/Strob0t/forgeline/internal/adapter/sqlite"
	"github.com/Strob0t/forgeline/internal/config"
)

var errNoMigrations = errors.New("the memory store has no migrations")

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations of the configured store",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back postgres migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := flags.load(cmd, config.Overrides{})
			if err != nil {
				return err
			}
			defer flush()
			if cfg.Store.Driver != "postgres" {
				return fmt.Errorf("rollback is only supported for postgres, store is %q", cfg.Store.Driver)
			}
			if err := postgres.RollbackMigrations(cmd.Context(), cfg.Postgres.DSN, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, flush, err := flags.load(cmd, config.Overrides{})
				if err != nil {
					return err
				}
				defer flush()
				switch cfg.Store.Driver {
				case "postgres":
					n, err := postgres.RunMigrations(cmd.Context(), cfg.Postgres.DSN)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
				case "sqlite":
					db, err := sqlite.Open(cmd.Context(), cfg.Store.SQLitePath)
					if err != nil {
						return err
					}
					_ = db.Close()
					fmt.Fprintf(cmd.OutOrStdout(), "%s is up to date\n", cfg.Store.SQLitePath)
				default:
					return errNoMigrations
				}
				return nil
			},
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "Print the current postgres migration version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, flush, err := flags.load(cmd, config.Overrides{})
				if err != nil {
					return err
				}
				defer flush()
				if cfg.Store.Driver != "postgres" {
					return fmt.Errorf("status is only supported for postgres, store is %q", cfg.Store.Driver)
				}
				v, err := postgres.MigrationVersion(cmd.Context(), cfg.Postgres.DSN)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d\n", v)
				return nil
			},
		},
	)
	return cmd
}
