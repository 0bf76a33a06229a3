package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/VsevolodSauta/queuectl"
	"github.com/spf13/cobra"
)

func workerCmd(backend queuectl.Backend, settings *queuectl.Settings, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage the worker pool",
	}

	var count int
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start worker processes and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			manager := queuectl.NewManager(backend, settings, logger)
			if err := manager.StartWorkers(ctx, count); err != nil {
				return fmt.Errorf("failed to start workers: %w", err)
			}

			fmt.Printf("Started %d worker(s). Press Ctrl+C to shut down gracefully.\n", count)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("Received signal: %v. Shutting down...\n", sig)

			manager.StopWorkers()
			fmt.Println("All workers stopped.")
			return nil
		},
	}
	startCmd.Flags().IntVar(&count, "count", 1, "Number of workers to start")

	cmd.AddCommand(startCmd)
	return cmd
}
