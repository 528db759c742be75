package patching

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Manager coordinates the registered package sources.
type Manager struct {
	sources []PackageSource
	index   map[Source]PackageSource
}

// NewManager creates a Manager with the given sources.
func NewManager(sources ...PackageSource) *Manager {
	m := &Manager{index: make(map[Source]PackageSource, len(sources))}
	for _, src := range sources {
		m.Register(src)
	}
	return m
}

// NewDefaultManager registers the enabled sources backed by the real CLIs.
func NewDefaultManager(execFn ExecFunc, timeouts Timeouts, enabled []Source) *Manager {
	m := NewManager()
	for _, id := range enabled {
		switch id {
		case SourceStore:
			m.Register(NewStoreSource(execFn, timeouts))
		case SourceWinget:
			m.Register(NewWingetSource(execFn, timeouts))
		case SourceChocolatey:
			m.Register(NewChocolateySource(execFn, timeouts))
		}
	}
	return m
}

// Register adds or replaces a source.
func (m *Manager) Register(src PackageSource) {
	if existing, ok := m.index[src.ID()]; ok {
		for i, s := range m.sources {
			if s == existing {
				m.sources[i] = src
			}
		}
	} else {
		m.sources = append(m.sources, src)
	}
	m.index[src.ID()] = src
}

// Get returns a source by ID.
func (m *Manager) Get(id Source) (PackageSource, bool) {
	src, ok := m.index[id]
	return src, ok
}

// Sources returns the registered sources in registration order.
func (m *Manager) Sources() []PackageSource {
	out := make([]PackageSource, len(m.sources))
	copy(out, m.sources)
	return out
}

// IDs returns the registered source IDs in order.
func (m *Manager) IDs() []Source {
	ids := make([]Source, 0, len(m.sources))
	for _, src := range m.sources {
		ids = append(ids, src.ID())
	}
	return ids
}

// Select returns the requested sources, or all of them when ids is empty.
func (m *Manager) Select(ids []Source) ([]PackageSource, error) {
	if len(ids) == 0 {
		return m.Sources(), nil
	}
	out := make([]PackageSource, 0, len(ids))
	var errs []error
	for _, id := range ids {
		src, ok := m.index[id]
		if !ok {
			errs = append(errs, fmt.Errorf("package source %s is not enabled", id))
			continue
		}
		out = append(out, src)
	}
	return out, errors.Join(errs...)
}

// ScanAll lists upgrades from every source. Failures are joined; results from
// healthy sources are still returned.
func (m *Manager) ScanAll(ctx context.Context) (map[Source][]Upgrade, error) {
	results := make(map[Source][]Upgrade, len(m.sources))
	var errs []error

	for _, src := range m.sources {
		upgrades, err := src.ListAvailableUpgrades(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s scan failed: %w", src.ID(), err))
			continue
		}
		results[src.ID()] = upgrades
	}

	return results, errors.Join(errs...)
}

// CommandFor returns the CLI a source depends on.
func CommandFor(id Source) string {
	if id == SourceChocolatey {
		return "choco"
	}
	return "winget"
}

// LookPath is swapped in tests.
var LookPath = exec.LookPath

// CheckDependency reports ErrDependencyMissing when the source's CLI is absent.
func CheckDependency(id Source) error {
	cmd := CommandFor(id)
	if _, err := LookPath(cmd); err != nil {
		return &ErrDependencyMissing{Source: id, Command: cmd}
	}
	return nil
}
