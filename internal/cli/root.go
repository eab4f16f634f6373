// Package cli contains the Cobra commands for agentqctl, the operator client
// for the agent queue API.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"agent-queue/internal/client"
)

// globals are the persistent flags shared by every subcommand.
type globals struct {
	url         string
	adminToken  string
	workerToken string
	actor       string
	timeout     time.Duration
	output      string
}

func (g *globals) client() *client.Client {
	opts := []client.Option{}
	if g.adminToken != "" {
		opts = append(opts, client.WithAdminToken(g.adminToken))
	}
	if g.workerToken != "" {
		opts = append(opts, client.WithWorkerToken(g.workerToken))
	}
	if g.actor != "" {
		opts = append(opts, client.WithActor(g.actor))
	}
	return client.New(g.url, opts...)
}

// NewRoot constructs the agentqctl root command and registers all subcommands.
func NewRoot() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "agentqctl",
		Short:         "Operate the agent queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&g.url, "url", envOr("QUEUE_URL", "http://localhost:8080"), "Queue API base URL (env QUEUE_URL)")
	flags.StringVar(&g.adminToken, "admin-token", os.Getenv("ADMIN_TOKEN"), "Operator token (env ADMIN_TOKEN)")
	flags.StringVar(&g.workerToken, "worker-token", os.Getenv("WORKER_TOKEN"), "Worker token (env WORKER_TOKEN)")
	flags.StringVar(&g.actor, "actor", envOr("USER", ""), "Actor recorded on operator actions")
	flags.DurationVar(&g.timeout, "timeout", 30*time.Second, "Per-command timeout")
	flags.StringVarP(&g.output, "output", "o", "text", "Output format: text|json")

	root.AddCommand(
		newEnqueueCommand(g),
		newGetCommand(g),
		newListCommand(g),
		newEventsCommand(g),
		newCancelCommand(g),
		newArtifactsCommand(g),
		newPauseCommand(g),
		newResumeCommand(g),
		newStatusCommand(g),
		newCredentialsCommand(g),
	)
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(v *string) string {
	if v == nil {
		return "-"
	}
	return *v
}
