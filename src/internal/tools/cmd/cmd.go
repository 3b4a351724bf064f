package cmd

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

const DefaultTimeout = 10 * time.Minute

// Spec describes one external process invocation. Args are passed as argv,
// never through a shell.
type Spec struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Run executes spec and waits for it. A non-zero exit, a timeout or a
// cancelled ctx is returned as an error alongside whatever output was
// captured.
func Run(ctx context.Context, spec Spec) (Result, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, spec.Name, spec.Args...)
	c.Dir = spec.Dir
	c.WaitDelay = 5 * time.Second
	stdoutB := &bytes.Buffer{}
	stderrB := &bytes.Buffer{}
	c.Stdout = stdoutB
	c.Stderr = stderrB

	start := time.Now()
	err := c.Run()
	res := Result{
		Stdout:   stdoutB.String(),
		Stderr:   stderrB.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		res.TimedOut = errors.Is(ctxErr, context.DeadlineExceeded)
		return res, ctxErr
	}
	return res, err
}

// Tail returns at most n trailing bytes of s, for logging process output.
func Tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
