package dbt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Runner invokes the dbt CLI.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (*CommandResult, error)
}

// ExecRunner runs a dbt binary as a child process.
type ExecRunner struct {
	Binary  string
	Env     []string // extra KEY=VALUE pairs
	Timeout time.Duration
}

// Run executes the binary in dir. A non-zero exit is not an error: it is
// reported through the result. Errors mean the process could not run or
// was cancelled.
func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (*CommandResult, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return res, fmt.Errorf("running %s: %w", r.Binary, ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("running %s: %w", r.Binary, err)
	}
	return res, nil
}
