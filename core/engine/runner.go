package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// waitDelay bounds how long a killed command may hold its output pipes.
const waitDelay = 2 * time.Second

// Invocation is one shell command to run to completion.
type Invocation struct {
	Command string
	Dir     string
	Stdin   io.Reader
	Env     []string
	Timeout time.Duration
}

// Outcome is what a command produced. A non-zero ReturnCode is data, not
// an error.
type Outcome struct {
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
	TimedOut   bool
	Duration   time.Duration
}

type Runner interface {
	Run(ctx context.Context, inv Invocation) (Outcome, error)
}

// ShellRunner interprets commands with Shell -c.
type ShellRunner struct {
	Shell string
}

func (r ShellRunner) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	shell := strings.TrimSpace(r.Shell)
	if shell == "" {
		shell = "sh"
	}
	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}
	command := exec.CommandContext(runCtx, shell, "-c", inv.Command) // #nosec G204 -- commands come from the operator's policy.
	command.Dir = inv.Dir
	command.Env = append(os.Environ(), inv.Env...)
	command.Stdin = inv.Stdin
	command.WaitDelay = waitDelay
	killProcessGroup(command)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	started := time.Now()
	err := command.Run()
	outcome := Outcome{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(started),
	}
	if ctx.Err() != nil {
		return outcome, fmt.Errorf("command interrupted: %w", ctx.Err())
	}
	if err != nil && inv.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		outcome.TimedOut = true
		outcome.ReturnCode = -1
		return outcome, nil
	}
	if err != nil {
		exitErr := &exec.ExitError{}
		if errors.As(err, &exitErr) {
			outcome.ReturnCode = exitErr.ExitCode()
			return outcome, nil
		}
		return outcome, fmt.Errorf("start %s: %w", shell, err)
	}
	return outcome, nil
}
