package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/permit-crawler/internal/jobs"
)

func newEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue STATUS_NO...",
		Short: "Queue parse jobs for the given permit status numbers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var errs []error
			for _, statusNo := range args {
				job, err := a.Worker.Enqueue(statusNo)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.JobKey, job.State)
			}
			return errors.Join(errs...)
		},
	}
}

func newProcessCmd() *cobra.Command {
	var (
		limit int
		key   string
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one batch of eligible parse jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if key != "" {
				job, err := a.Worker.ProcessJob(cmd.Context(), key)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s (next %s, attempts %d, confidence %.2f)\n",
					job.JobKey, job.State, job.Strategy, job.AttemptCount, job.ConfidenceScore)
				return nil
			}
			if limit <= 0 {
				limit = a.Config.Worker.BatchSize
			}
			result, err := a.Worker.ProcessBatch(cmd.Context(), limit)
			fmt.Fprintf(out, "processed %d: %d succeeded, %d retrying, %d manual review, %d failed\n",
				result.Processed, result.Succeeded, result.Retrying, result.Review, result.Failed)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "jobs per batch (defaults to worker.batch_size)")
	cmd.Flags().StringVar(&key, "job", "", "run a single job by key instead of a batch")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print parse job statistics as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats := a.Worker.Statistics()
			byState := make(map[string]int, len(stats.ByState))
			for state, n := range stats.ByState {
				byState[state.String()] = n
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"total":           stats.Total,
				"by_state":        byState,
				"success_rate":    stats.SuccessRate,
				"mean_confidence": stats.MeanConfidence,
			})
		},
	}
}

func newReviewCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List jobs waiting for manual review",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STATUS_NO\tATTEMPTS\tLAST_ATTEMPT\tERROR")
			for _, job := range a.Worker.ManualReviewJobs(limit) {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", job.StatusNo, job.AttemptCount, lastAttempt(job), errorText(job))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")
	return cmd
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry JOB_KEY...",
		Short: "Put failed or manual-review jobs back on the automated path",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var errs []error
			for _, key := range args {
				job, err := a.Worker.ManualRetry(key)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.JobKey, job.State)
			}
			return errors.Join(errs...)
		},
	}
}

func newPurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished jobs older than a cutoff",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = a.Config.Retention()
			}
			n, err := a.Worker.Purge(olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d jobs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (defaults to jobs.retention_hours)")
	return cmd
}

func lastAttempt(job jobs.ParseJob) string {
	if job.LastAttempt == nil {
		return "-"
	}
	return job.LastAttempt.Format(time.RFC3339)
}

func errorText(job jobs.ParseJob) string {
	if job.ErrorMessage == nil {
		return ""
	}
	return *job.ErrorMessage
}
