package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and resume compaction jobs",
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsResumeCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List compaction jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			rt, _, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Shutdown(ctx)

			jobs, err := rt.Runner().Jobs(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKEY\tSTEP\tSTATUS\tATTEMPTS\tUPDATED\tERROR")
			for _, j := range jobs {
				if key != "" && j.Key != key {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					j.ID, j.Key, j.Step, j.Status, j.Attempts,
					j.UpdatedAt.Format(time.RFC3339), j.LastError)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Only show jobs for this conversation key")

	return cmd
}

func newJobsResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [job-id]",
		Short: "Run one job from its checkpoint, or every interrupted job",
		Long: `With a job ID, runs that job from its last checkpoint in the foreground,
giving a failed job a fresh retry budget. Without one, resumes every
pending or running job that has gone stale and waits for them.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, _, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Shutdown(context.Background())

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				rec, err := rt.Runner().RunJob(ctx, args[0])
				if err != nil {
					return fmt.Errorf("job %s stopped at step %s: %w", rec.ID, rec.Step, err)
				}
				fmt.Fprintf(out, "job %s %s\n", rec.ID, rec.Status)
				return nil
			}

			n, err := rt.Runner().Resume(ctx)
			if err != nil {
				return err
			}
			waitDrained(ctx, rt)
			fmt.Fprintf(out, "resumed %d job(s)\n", n)
			return nil
		},
	}
}
