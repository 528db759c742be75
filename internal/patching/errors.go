package patching

import (
	"errors"
	"fmt"
)

// ErrPreflightFailed indicates a pre-flight check failed before patching could proceed.
type ErrPreflightFailed struct {
	Check   string // e.g. "disk_space", "service_health", "maintenance_window"
	Message string
}

func (e *ErrPreflightFailed) Error() string {
	return fmt.Sprintf("preflight check %q failed: %s", e.Check, e.Message)
}

// ErrDependencyMissing indicates a backend CLI is not installed.
type ErrDependencyMissing struct {
	Source  Source
	Command string
}

func (e *ErrDependencyMissing) Error() string {
	return fmt.Sprintf("%s: %s is not installed or not on PATH", e.Source, e.Command)
}

// ErrInvalidPackageID is returned for identifiers a backend would reject.
var ErrInvalidPackageID = errors.New("invalid package identifier")

// ErrRestorePointUnsupported is returned where System Restore does not exist.
var ErrRestorePointUnsupported = errors.New("system restore is only available on Windows")

// CommandError carries the exit code and output of a failed backend command.
type CommandError struct {
	Source   Source
	Op       string
	Package  string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("%s %s %s failed (exit %d): %s", e.Source, e.Op, e.Package, e.ExitCode, e.Output)
	}
	return fmt.Sprintf("%s %s failed (exit %d): %s", e.Source, e.Op, e.ExitCode, e.Output)
}
