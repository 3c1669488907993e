package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Strob0t/storepilot/internal/config"
)

func newWorkerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume queued runs and target change events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			// A worker only makes sense against the queue.
			cfg.Engine.Mode = config.ModeQueue
			return work(cmd.Context(), cfg)
		},
	}
}

func work(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.startWorker(ctx); err != nil {
		return err
	}
	slog.Info("worker running", "concurrency", cfg.Engine.WorkerConcurrency)

	<-ctx.Done()
	slog.Info("shutting down worker")
	return nil
}
