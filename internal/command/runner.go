package command

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Result holds the outcome of a single command run.
type Result struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int    `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

// Ok reports whether the command exited zero without timing out.
func (r *Result) Ok() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Output returns combined stdout and stderr, stderr last.
func (r *Result) Output() string {
	if r.Stdout == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner abstracts command execution for testability.
type Runner interface {
	Run(ctx context.Context, dir string, command string) (*Result, error)
}

// ExecRunner implements Runner by shelling out through sh -c.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (*Result, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Command:    command,
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		DurationMs: int(time.Since(start).Milliseconds()),
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		res.TimedOut = true
		return res, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("exec %q: %w", command, err)
	}
	return res, nil
}

// RunAll executes commands in order with a per-command timeout, stopping at
// the first failure. All results gathered so far are returned either way.
func RunAll(ctx context.Context, r Runner, dir string, commands []string, timeout time.Duration) ([]Result, error) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	var results []Result
	for _, c := range commands {
		cmdCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := r.Run(cmdCtx, dir, c)
		cancel()
		if err != nil {
			return results, err
		}
		results = append(results, *res)
		if res.TimedOut {
			return results, fmt.Errorf("command %q timed out after %s", c, timeout)
		}
		if res.ExitCode != 0 {
			return results, fmt.Errorf("command %q exited %d", c, res.ExitCode)
		}
	}
	return results, nil
}
