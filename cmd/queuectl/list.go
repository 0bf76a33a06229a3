package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/VsevolodSauta/queuectl"
	"github.com/spf13/cobra"
)

func listCmd(backend queuectl.Backend) *cobra.Command {
	var state string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := backend.ListJobs(cmd.Context(), queuectl.JobState(state), limit)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tATTEMPTS\tCREATED\tERROR\tCOMMAND")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
					job.ID, job.State, job.Attempts, job.MaxRetries,
					job.CreatedAt.Format(time.RFC3339),
					truncate(job.ErrorMessage, 40),
					truncate(job.Command, 50))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state (pending, processing, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs to show (0 = all)")
	return cmd
}

func statusCmd(backend queuectl.Backend) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := backend.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			keys := make([]string, 0, len(stats))
			total := 0
			for key, count := range stats {
				keys = append(keys, key)
				total += count
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATE\tCOUNT")
			for _, key := range keys {
				fmt.Fprintf(w, "%s\t%d\n", key, stats[key])
			}
			fmt.Fprintf(w, "total\t%d\n", total)
			return w.Flush()
		},
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
