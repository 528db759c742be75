package executor

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX utilities")
	}
}

func TestRunCapturesStdoutAndExitCode(t *testing.T) {
	skipOnWindows(t)

	result, err := Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo hello; echo oops >&2; exit 3"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "oops" {
		t.Fatalf("unexpected stderr: %q", result.Stderr)
	}
	if result.Output() != "hello\noops" {
		t.Fatalf("unexpected combined output: %q", result.Output())
	}
	if result.CompletedAt.Before(result.StartedAt) {
		t.Fatal("completed before started")
	}
}

func TestRunTimesOut(t *testing.T) {
	skipOnWindows(t)

	result, err := Run(context.Background(), Command{Name: "sleep", Args: []string{"5"}, Timeout: 100 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if result.ExitCode != -1 {
		t.Fatalf("expected exit code -1, got %d", result.ExitCode)
	}
}

func TestRunMissingBinary(t *testing.T) {
	result, err := Run(context.Background(), Command{Name: "winpatch-definitely-not-a-binary"})
	if err == nil {
		t.Fatal("expected start failure")
	}
	if result.ExitCode != -1 {
		t.Fatalf("expected exit code -1, got %d", result.ExitCode)
	}
}

func TestRunRejectsEmptyName(t *testing.T) {
	if _, err := Run(context.Background(), Command{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestRunPassesArgsVerbatim(t *testing.T) {
	skipOnWindows(t)

	stdout, _, code, err := Exec(context.Background(), "printf", []string{"%s|", "a b", "$(whoami)"}, time.Second)
	if err != nil || code != 0 {
		t.Fatalf("Exec failed: code=%d err=%v", code, err)
	}
	if stdout != "a b|$(whoami)|" {
		t.Fatalf("arguments were reinterpreted: %q", stdout)
	}
}

func TestRunAppendsEnvironment(t *testing.T) {
	skipOnWindows(t)

	result, err := Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "printf %s \"$WINPATCH_TEST_VALUE\""},
		Env:  []string{"WINPATCH_TEST_VALUE=42"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Stdout != "42" {
		t.Fatalf("expected env value, got %q", result.Stdout)
	}
}

func TestLimitedWriterTruncates(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{buf: &buf, limit: 4}

	n, err := w.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = (%d, %v), want (6, nil)", n, err)
	}
	n, err = w.Write([]byte("gh"))
	if err != nil || n != 2 {
		t.Fatalf("Write = (%d, %v), want (2, nil)", n, err)
	}
	if buf.String() != "abcd" {
		t.Fatalf("expected truncated buffer, got %q", buf.String())
	}
}
