package printer

import (
	"context"
	"errors"
	"os/exec"
)

// Runner executes the CUPS command line tools.
type Runner interface {
	// Output runs the command to completion and returns its stdout. A
	// non-zero exit is reported as an error carrying stderr.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Start launches the command without waiting for it. The returned wait
	// function blocks until the process exits and reaps it.
	Start(name string, args ...string) (wait func() error, err error)
}

// ExecRunner runs commands as local processes.
type ExecRunner struct{}

func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return out, &Error{Op: name, Output: string(exitErr.Stderr), Err: err}
	}
	return out, err
}

func (ExecRunner) Start(name string, args ...string) (func() error, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd.Wait, nil
}
