package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/VsevolodSauta/queuectl"
	"github.com/spf13/cobra"
)

func dlqCmd(backend queuectl.Backend, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay the dead-letter queue",
	}

	manager := queuectl.NewDeadLetterManager(backend, logger)

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs, most recently moved first",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := manager.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list dead-letter queue: %w", err)
			}
			if len(entries) == 0 {
				fmt.Println("Dead Letter Queue is empty.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tATTEMPTS\tMOVED\tERROR\tCOMMAND")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%d/%d\t%s\t%s\t%s\n",
					entry.ID, entry.Attempts, entry.MaxRetries,
					entry.MovedAt.Format(time.RFC3339),
					truncate(entry.ErrorMessage, 40),
					truncate(entry.Command, 50))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\nTotal: %d job(s) in DLQ\n", len(entries))
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of entries to show (0 = all)")

	retryCmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a dead-lettered job back to the pending queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := manager.Retry(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to retry job: %w", err)
			}
			if !found {
				fmt.Printf("Job %s not found in DLQ.\n", args[0])
				return nil
			}
			fmt.Printf("Job %s moved back to pending queue.\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd)
	cmd.AddCommand(retryCmd)
	return cmd
}
