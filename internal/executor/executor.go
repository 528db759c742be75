// Package executor runs external commands as argv vectors with a timeout,
// bounded output capture and process-group cleanup.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/breeze-rmm/winpatch/internal/logging"
)

var log = logging.L("executor")

const (
	// DefaultTimeout applies when a command carries none.
	DefaultTimeout = 5 * time.Minute

	// MaxTimeout caps any requested timeout.
	MaxTimeout = time.Hour

	// MaxOutputSize is the maximum size of stdout/stderr to capture
	MaxOutputSize = 1024 * 1024 // 1MB
)

// ErrTimeout is returned when a command exceeds its timeout.
var ErrTimeout = errors.New("command timed out")

// Command is one process invocation. Args are passed verbatim, never through a shell.
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration
	Dir     string
	Env     []string // appended to the inherited environment
}

// Result is the outcome of a command that started.
type Result struct {
	ExitCode    int
	Stdout      string
	Stderr      string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration returns the wall-clock run time.
func (r Result) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Output returns stdout and stderr joined and trimmed.
func (r Result) Output() string {
	return strings.TrimSpace(r.Stdout + "\n" + r.Stderr)
}

// Run executes cmd. A non-zero exit code is reported in Result, not as an
// error; err is set only when the process could not start, was cancelled or
// timed out (ExitCode -1 in those cases).
func Run(ctx context.Context, cmd Command) (Result, error) {
	if strings.TrimSpace(cmd.Name) == "" {
		return Result{ExitCode: -1}, fmt.Errorf("command name is empty")
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := Result{StartedAt: time.Now()}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
	c.Stderr = &limitedWriter{buf: &stderr, limit: MaxOutputSize}

	// Own process group so installer children die with the command on timeout.
	setProcessGroup(c)
	c.Cancel = func() error {
		return killProcessGroup(c)
	}
	c.WaitDelay = 5 * time.Second

	log.Debug("running command", "cmd", cmd.Name, "args", strings.Join(cmd.Args, " "), "timeout", timeout.String())
	err := c.Run()

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.CompletedAt = time.Now()

	if err == nil {
		log.Debug("command completed", "cmd", cmd.Name, logging.KeyDurationMs, result.Duration().Milliseconds())
		return result, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		log.Warn("command timed out", "cmd", cmd.Name, "timeout", timeout.String())
		return result, fmt.Errorf("%s: %w after %s", cmd.Name, ErrTimeout, timeout)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		result.ExitCode = -1
		return result, fmt.Errorf("%s: %w", cmd.Name, context.Canceled)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		log.Debug("command exited non-zero", "cmd", cmd.Name, "exitCode", result.ExitCode)
		return result, nil
	}

	result.ExitCode = -1
	return result, fmt.Errorf("start %s: %w", cmd.Name, err)
}

// Exec adapts Run to the (stdout, stderr, exitCode, err) calling convention
// the package sources use.
func Exec(ctx context.Context, name string, args []string, timeout time.Duration) (string, string, int, error) {
	result, err := Run(ctx, Command{Name: name, Args: args, Timeout: timeout})
	return result.Stdout, result.Stderr, result.ExitCode, err
}

// limitedWriter wraps a buffer with a size limit
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (n int, err error) {
	if w.written >= w.limit {
		// Discard additional data but don't error
		return len(p), nil
	}

	remaining := w.limit - w.written
	if len(p) > remaining {
		p = p[:remaining]
	}

	n, err = w.buf.Write(p)
	w.written += n
	return len(p), err
}
