package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ShellJobType is the job type executed by ShellHandler.
const ShellJobType = "shell"

type shellStep struct {
	Name    string            `json:"name"`
	Command []string          `json:"command"`
	Workdir string            `json:"workdir"`
	Env     map[string]string `json:"env"`
}

type shellPayload struct {
	Steps          []shellStep `json:"steps"`
	TimeoutSeconds int         `json:"timeoutSeconds"`
}

func decodeShellPayload(payload map[string]any) (shellPayload, error) {
	var p shellPayload
	raw, err := json.Marshal(payload)
	if err != nil {
		return p, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if len(p.Steps) == 0 {
		return p, errors.New("payload.steps is required")
	}
	for i, st := range p.Steps {
		if len(st.Command) == 0 || strings.TrimSpace(st.Command[0]) == "" {
			return p, fmt.Errorf("payload.steps[%d].command is required", i)
		}
		if p.Steps[i].Name == "" {
			p.Steps[i].Name = fmt.Sprintf("step-%d", i+1)
		}
	}
	if p.TimeoutSeconds < 0 {
		return p, errors.New("payload.timeoutSeconds must not be negative")
	}
	return p, nil
}

// ShellHandler runs each payload step as a process. Step boundaries are
// quiesce checkpoints. Bad payloads and non-zero exits are permanent; a
// timeout is retryable. timeoutSeconds bounds the time spent running steps,
// not time held at a checkpoint.
func ShellHandler(ctx context.Context, run *Run) (string, error) {
	p, err := decodeShellPayload(run.Job.Payload)
	if err != nil {
		return "", Permanent(err)
	}
	stderr := run.Stderr
	if stderr == nil {
		stderr = run.Log
	}

	limited := p.TimeoutSeconds > 0
	remaining := time.Duration(p.TimeoutSeconds) * time.Second
	for i, st := range p.Steps {
		if err := run.Checkpoint(ctx); err != nil {
			return "", err
		}
		if limited && remaining <= 0 {
			return "", fmt.Errorf("timed out after %ds before step %q", p.TimeoutSeconds, st.Name)
		}
		fmt.Fprintf(run.Log, "==> [%d/%d] %s: %s\n", i+1, len(p.Steps), st.Name, strings.Join(st.Command, " "))

		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if limited {
			stepCtx, cancel = context.WithTimeout(ctx, remaining)
		}
		started := time.Now()
		err := runStep(stepCtx, run, st, stderr)
		timedOut := errors.Is(stepCtx.Err(), context.DeadlineExceeded)
		cancel()
		remaining -= time.Since(started)

		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if timedOut {
			return "", fmt.Errorf("timed out after %ds in step %q", p.TimeoutSeconds, st.Name)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", Permanent(fmt.Errorf("step %q exited with status %d", st.Name, exitErr.ExitCode()))
		}
		return "", Permanent(fmt.Errorf("start step %q: %w", st.Name, err))
	}
	return fmt.Sprintf("ran %d step(s)", len(p.Steps)), nil
}

func runStep(ctx context.Context, run *Run, st shellStep, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, st.Command[0], st.Command[1:]...)
	cmd.Dir = stepDir(run.Workdir, st.Workdir)
	cmd.Env = os.Environ()
	for k, v := range st.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = run.Log
	cmd.Stderr = stderr
	return cmd.Run()
}

func stepDir(base, dir string) string {
	switch {
	case dir == "":
		return base
	case filepath.IsAbs(dir):
		return dir
	default:
		return filepath.Join(base, dir)
	}
}
