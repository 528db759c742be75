package patching

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Source identifies a package backend. The string form is persisted.
type Source string

const (
	SourceStore      Source = "Store"
	SourceWinget     Source = "Winget"
	SourceChocolatey Source = "Chocolatey"
)

// AllSources lists every backend in document order.
var AllSources = []Source{SourceStore, SourceWinget, SourceChocolatey}

// ParseSource accepts a source name case-insensitively, plus the common CLI
// aliases ("choco", "msstore").
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "store", "msstore":
		return SourceStore, nil
	case "winget":
		return SourceWinget, nil
	case "chocolatey", "choco":
		return SourceChocolatey, nil
	}
	return "", fmt.Errorf("unknown package source %q (want Store, Winget or Chocolatey)", s)
}

// ParseSources parses a list, dropping duplicates while keeping order.
func ParseSources(values []string) ([]Source, error) {
	seen := make(map[Source]bool, len(values))
	out := make([]Source, 0, len(values))
	for _, v := range values {
		src, err := ParseSource(v)
		if err != nil {
			return nil, err
		}
		if seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
	}
	return out, nil
}

func (s Source) String() string { return string(s) }

// Valid reports whether s is one of the known backends.
func (s Source) Valid() bool {
	for _, known := range AllSources {
		if s == known {
			return true
		}
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, normalising case.
func (s *Source) UnmarshalText(b []byte) error {
	parsed, err := ParseSource(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Upgrade describes an installed package with a newer version available.
type Upgrade struct {
	Name             string
	ID               string
	Version          string
	AvailableVersion string
}

// Key returns the identifier used for cache, history and priority lookups.
func (u Upgrade) Key() string {
	if u.ID != "" {
		return u.ID
	}
	return u.Name
}

// InstallResult captures the outcome of an upgrade, install or uninstall.
type InstallResult struct {
	PackageID      string
	Source         Source
	Version        string
	ExitCode       int
	Output         string
	RebootRequired bool
}

// SignatureVerdict is the Authenticode verdict for a file.
type SignatureVerdict struct {
	Valid     bool
	Publisher string
	Status    string
}

// ExecFunc runs a command and returns stdout, stderr and exit code. err is
// non-nil only when the process could not be started or timed out.
type ExecFunc func(ctx context.Context, name string, args []string, timeout time.Duration) (stdout, stderr string, exitCode int, err error)

// PackageSource is implemented by each package backend.
type PackageSource interface {
	ID() Source
	Name() string
	ListAvailableUpgrades(ctx context.Context) ([]Upgrade, error)
	GetInstalledVersion(ctx context.Context, name string) (version string, found bool, err error)
	Upgrade(ctx context.Context, name string) (InstallResult, error)
	Install(ctx context.Context, name, version string) (InstallResult, error)
	Uninstall(ctx context.Context, name string) error
	FindExecutablePath(ctx context.Context, name string) (string, bool)
	ComputeFileDigest(path, algorithm string) (string, error)
	GetSignatureVerdict(ctx context.Context, path string) (SignatureVerdict, error)
}

// Timeouts bounds each kind of backend invocation.
type Timeouts struct {
	Scan    time.Duration
	Install time.Duration
	Query   time.Duration
}

// DefaultTimeouts mirrors the configuration defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Scan:    120 * time.Second,
		Install: 300 * time.Second,
		Query:   60 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Scan <= 0 {
		t.Scan = d.Scan
	}
	if t.Install <= 0 {
		t.Install = d.Install
	}
	if t.Query <= 0 {
		t.Query = d.Query
	}
	return t
}
