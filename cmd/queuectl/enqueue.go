package main

import (
	"fmt"

	"github.com/VsevolodSauta/queuectl"
	"github.com/spf13/cobra"
)

func enqueueCmd(backend queuectl.Backend, settings *queuectl.Settings) *cobra.Command {
	var maxRetries int

	cmd := &cobra.Command{
		Use:   "enqueue <command>",
		Short: "Add a shell command job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := args[0]
			if command == "" {
				return fmt.Errorf("command must not be empty")
			}

			retries := maxRetries
			if !cmd.Flags().Changed("max-retries") {
				retries = settings.MaxRetries()
			}
			if retries < 0 {
				return fmt.Errorf("max-retries must not be negative")
			}

			job := queuectl.NewJob(command, retries)
			if err := backend.AddJob(cmd.Context(), job); err != nil {
				return fmt.Errorf("failed to enqueue job: %w", err)
			}

			fmt.Printf("Job enqueued: %s\n", job.ID)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retry ceiling for this job (defaults to configured max_retries)")
	return cmd
}
