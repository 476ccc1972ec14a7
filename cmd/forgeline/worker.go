package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/forgeline/internal/config"
)

func newWorkerCmd(flags *rootFlags) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a pool of queue workers without the HTTP API",
		Long: `Run queue workers against a shared store. Use the postgres store, or a
sqlite file with a single worker process, so that jobs enqueued by
"forgeline serve" are visible here.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var o config.Overrides
			if cmd.Flags().Changed("workers") {
				o.Workers = &workers
			}
			cfg, flush, err := flags.load(cmd, o)
			if err != nil {
				return err
			}
			defer flush()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			in, err := buildInfra(ctx, cfg)
			if err != nil {
				return err
			}
			defer in.Close()

			g, gctx := errgroup.WithContext(ctx)
			startBackground(gctx, g, in, cfg.Runner.Workers)
			return g.Wait()
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "override runner.workers")
	return cmd
}
