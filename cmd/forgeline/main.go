// Command forgeline runs the autonomous coding agent orchestrator: the HTTP
// API and gateways, queue workers, migrations and a terminal watcher.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Strob0t/forgeline/internal/config"
	"github.com/Strob0t/forgeline/internal/logger"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
	store      string
	engine     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "forgeline",
		Short:         "Autonomous coding agent orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "forgeline.yaml", "path to the YAML config file")
	pf.StringVar(&flags.logLevel, "log-level", "", "override logging.level")
	pf.StringVar(&flags.store, "store", "", "override store.driver (memory, sqlite, postgres)")
	pf.StringVar(&flags.engine, "engine", "", "override engine.kind (simulated, exec)")

	root.AddCommand(
		newServeCmd(flags),
		newWorkerCmd(flags),
		newMigrateCmd(flags),
		newWatchCmd(),
	)
	return root
}

// load reads the config and installs the default logger. The returned
// function flushes the logger.
func (f *rootFlags) load(cmd *cobra.Command, o config.Overrides) (*config.Config, func(), error) {
	if cmd.Flags().Changed("log-level") {
		o.LogLevel = &f.logLevel
	}
	if cmd.Flags().Changed("store") {
		o.Store = &f.store
	}
	if cmd.Flags().Changed("engine") {
		o.Engine = &f.engine
	}

	cfg, err := config.LoadWithOverrides(f.configPath, o)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"fanout", cfg.Bus.Fanout,
		"history", cfg.Bus.History,
		"engine", cfg.Engine.Kind,
	)
	return cfg, closer.Close, nil
}
