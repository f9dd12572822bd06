package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

const (
	maxStderrTail = 4000
	// waitDelay bounds how long Run waits for pipes after the process is killed.
	waitDelay = 5 * time.Second
)

// Command is one external tool invocation. A nil Stdout captures stdout into
// Result.Stdout.
type Command struct {
	Name   string
	Args   []string
	Stdout io.Writer
}

type Result struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
}

type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// execRunner runs commands through os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, c Command) (Result, error) {
	path, err := exec.LookPath(c.Name)
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	cmd := exec.CommandContext(ctx, path, c.Args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err = cmd.Run()
	result := Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// ToolError reports a failed or timed out tool invocation with its
// diagnostic output.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	switch {
	case e.TimedOut:
		fmt.Fprintf(&b, "%s timed out", e.Tool)
	case e.ExitCode > 0:
		fmt.Fprintf(&b, "%s exited with code %d", e.Tool, e.ExitCode)
	default:
		fmt.Fprintf(&b, "%s failed: %v", e.Tool, e.Err)
	}
	if tail := stderrTail(e.Stderr); tail != "" {
		b.WriteString(": ")
		b.WriteString(tail)
	}
	return b.String()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func stderrTail(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > maxStderrTail {
		stderr = "..." + stderr[len(stderr)-maxStderrTail:]
	}
	return stderr
}
