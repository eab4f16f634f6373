package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agent-queue/internal/models"
	"agent-queue/internal/service"
)

func newEnqueueCommand(g *globals) *cobra.Command {
	var (
		req     service.EnqueueRequest
		payload string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Enqueue a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = args[0]
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
					return fmt.Errorf("--payload must be a JSON object: %w", err)
				}
			}
			if req.CreatedBy == "" {
				req.CreatedBy = g.actor
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			job, err := g.client().Enqueue(ctx, req)
			if err != nil {
				return err
			}
			if g.output == "json" {
				return printJSON(cmd.OutOrStdout(), job)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s (type=%s priority=%d)\n", job.ID, job.Type, job.Priority)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "Job payload as a JSON object")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "Priority; higher runs first")
	cmd.Flags().StringVar(&req.AffinityKey, "affinity", "", "Affinity key")
	cmd.Flags().IntVar(&req.MaxAttempts, "max-attempts", 0, "Attempt budget (server default when 0)")
	cmd.Flags().StringSliceVar(&req.RequiredCapabilities, "require", nil, "Required worker capabilities")
	cmd.Flags().StringVar(&req.CreatedBy, "created-by", "", "Creator recorded on the job (defaults to --actor)")
	return cmd
}

func newGetCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			job, err := g.client().GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func newListCommand(g *globals) *cobra.Command {
	var req service.ListJobsRequest
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			jobs, err := g.client().ListJobs(ctx, req)
			if err != nil {
				return err
			}
			if g.output == "json" {
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPRIORITY\tATTEMPT\tCLAIMED BY\tUPDATED")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
					j.ID, j.Type, j.Status, j.Priority, j.Attempt, j.MaxAttempts,
					deref(j.ClaimedBy), j.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&req.Status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&req.Type, "type", "", "Filter by job type")
	cmd.Flags().IntVar(&req.Limit, "limit", 50, "Maximum jobs to return")
	return cmd
}

func newEventsCommand(g *globals) *cobra.Command {
	var (
		after  int64
		limit  int
		follow bool
		every  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "events <job-id>",
		Short: "Print job events, optionally following new ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			cursor := models.Cursor(after)
			for {
				ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
				page, err := c.ListEvents(ctx, args[0], service.ListEventsRequest{After: cursor, Limit: limit})
				cancel()
				if err != nil {
					return err
				}
				for _, e := range page.Events {
					if g.output == "json" {
						if err := printJSON(cmd.OutOrStdout(), e); err != nil {
							return err
						}
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%d %s [%s] %s\n", e.ID, e.CreatedAt.Format(time.RFC3339), e.Level, e.Message)
				}
				cursor = page.NextCursor
				if !follow {
					return nil
				}
				if len(page.Events) > 0 {
					continue
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(every):
				}
			}
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "Only events after this cursor")
	cmd.Flags().IntVar(&limit, "limit", 200, "Page size")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep polling for new events")
	cmd.Flags().DurationVar(&every, "interval", time.Second, "Poll interval while following")
	return cmd
}

func newCancelCommand(g *globals) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued job or request cancellation of a running one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			job, err := g.client().Cancel(ctx, args[0], service.CancelRequest{Reason: reason})
			if err != nil {
				return err
			}
			if g.output == "json" {
				return printJSON(cmd.OutOrStdout(), job)
			}
			if job.Status == models.StatusRunning {
				fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s; waiting on worker %s\n", job.ID, deref(job.ClaimedBy))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", job.ID, job.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")
	return cmd
}

func newArtifactsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <job-id>",
		Short: "List artifacts recorded for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			arts, err := g.client().ListArtifacts(ctx, args[0])
			if err != nil {
				return err
			}
			if g.output == "json" {
				return printJSON(cmd.OutOrStdout(), arts)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tPATH")
			for _, a := range arts {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", a.Name, a.SizeBytes, a.StoragePath)
			}
			return tw.Flush()
		},
	}
}
