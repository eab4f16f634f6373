package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agent-queue/internal/models"
	"agent-queue/internal/service"
)

func newPauseCommand(g *globals) *cobra.Command {
	var mode, reason string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause workers (drain finishes running jobs, quiesce holds them at checkpoints)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return applyPause(cmd, g, service.PauseRequest{
				Action: models.ActionPause,
				Mode:   models.PauseMode(mode),
				Reason: reason,
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(models.PauseModeDrain), "Pause mode: drain|quiesce")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason shown to workers and in the audit log")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newResumeCommand(g *globals) *cobra.Command {
	var (
		reason string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return applyPause(cmd, g, service.PauseRequest{
				Action:      models.ActionResume,
				Reason:      reason,
				ForceResume: force,
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit log")
	cmd.Flags().BoolVar(&force, "force", false, "Resume a drain pause even if work is still running")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func applyPause(cmd *cobra.Command, g *globals, req service.PauseRequest) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()
	res, err := g.client().ApplyPause(ctx, req)
	if err != nil {
		return err
	}
	if g.output == "json" {
		return printJSON(cmd.OutOrStdout(), res)
	}
	w := cmd.OutOrStdout()
	switch {
	case !res.Changed:
		fmt.Fprintln(w, "No change.")
	case res.ForcedResume:
		fmt.Fprintln(w, "Workers resumed (forced).")
	case res.System.Paused:
		fmt.Fprintln(w, "Workers paused.")
	default:
		fmt.Fprintln(w, "Workers resumed.")
	}
	printSnapshot(w, res.PauseSnapshot)
	return nil
}

func newStatusCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the worker pause state and drain metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			snap, err := g.client().PauseState(ctx)
			if err != nil {
				return err
			}
			if g.output == "json" {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func printSnapshot(w io.Writer, snap service.PauseSnapshot) {
	sys := snap.System
	state := "running"
	if sys.Paused {
		state = "paused"
		if sys.Mode != nil {
			state += " (" + string(*sys.Mode) + ")"
		}
	}
	fmt.Fprintf(w, "workers=%s version=%d reason=%s\n", state, sys.Version, deref(sys.Reason))
	m := snap.Metrics
	fmt.Fprintf(w, "queued=%d running=%d stale=%d drained=%t\n", m.Queued, m.Running, m.StaleRunning, m.IsDrained)
	for _, e := range snap.Audit.Latest {
		mode := ""
		if e.Mode != nil {
			mode = string(*e.Mode)
		}
		forced := ""
		if e.Forced {
			forced = " forced"
		}
		fmt.Fprintf(w, "  %s %s %s%s by %s: %s\n",
			e.CreatedAt.Format(time.RFC3339), e.Action, mode, forced, deref(e.Actor), e.Reason)
	}
}

func newCredentialsCommand(g *globals) *cobra.Command {
	root := &cobra.Command{Use: "credentials", Short: "Manage worker credentials"}
	root.AddCommand(newCredentialCreateCommand(g), newCredentialListCommand(g), newCredentialRevokeCommand(g))
	return root
}

func newCredentialCreateCommand(g *globals) *cobra.Command {
	var req service.CreateCredentialRequest
	cmd := &cobra.Command{
		Use:   "create <worker-id>",
		Short: "Issue a worker token; the token is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.WorkerID = args[0]
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			issued, err := g.client().CreateCredential(ctx, req)
			if err != nil {
				return err
			}
			if g.output == "json" {
				return printJSON(cmd.OutOrStdout(), issued)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credential %s for %s\ntoken: %s\n", issued.Credential.ID, issued.Credential.WorkerID, issued.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Description, "description", "", "Free-form description")
	cmd.Flags().StringSliceVar(&req.AllowedRepositories, "repo", nil, "Allowed repositories (empty allows all)")
	cmd.Flags().StringSliceVar(&req.AllowedJobTypes, "type", nil, "Allowed job types (empty allows all)")
	cmd.Flags().StringSliceVar(&req.Capabilities, "capability", nil, "Capabilities granted to the worker")
	return cmd
}

func newCredentialListCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List worker credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			creds, err := g.client().ListCredentials(ctx)
			if err != nil {
				return err
			}
			if g.output == "json" {
				return printJSON(cmd.OutOrStdout(), creds)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWORKER\tACTIVE\tTYPES\tREPOSITORIES\tCAPABILITIES")
			for _, c := range creds {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n", c.ID, c.WorkerID, c.IsActive,
					joinOrAny(c.AllowedJobTypes), joinOrAny(c.AllowedRepositories), joinOrAny(c.Capabilities))
			}
			return tw.Flush()
		},
	}
}

func newCredentialRevokeCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <credential-id>",
		Short: "Revoke a worker credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			cred, err := g.client().RevokeCredential(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s (%s)\n", cred.ID, cred.WorkerID)
			return nil
		},
	}
}

func joinOrAny(v []string) string {
	if len(v) == 0 {
		return "*"
	}
	return strings.Join(v, ",")
}
