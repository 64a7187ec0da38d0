package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/eleven-am/plexus"
	"github.com/spf13/cobra"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		Long: `Run starts the engine, recovers queued work from the record store and
runs the sweep loops while this node holds leadership.

Example:
  plexusd run --config /etc/plexus/plexus.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, opts)
		},
	}
}

func runNode(ctx context.Context, opts *rootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, stderr())
	cfg.Logger = logger

	manager, err := plexus.New(cfg)
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		_ = manager.Stop()
		return err
	}
	logger.Info("plexusd running", "node_id", cfg.NodeID, "version", version)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return manager.Stop()
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep <name>",
		Short: "Run one sweep now",
		Long: `Sweep runs a single named sweep against the record store and exits.
Names: expire_tasks, fail_validation, expire_approvals, prune_workers, purge_waits.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cfg.Logger = newLogger(cfg.Log, stderr())

			manager, err := plexus.New(cfg)
			if err != nil {
				return err
			}
			defer manager.Stop()

			count, ran, err := manager.RunSweep(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ran {
				fmt.Fprintf(cmd.OutOrStdout(), "%s skipped: this node is not the primary\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records\n", args[0], count)
			return nil
		},
	}
}
