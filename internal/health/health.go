// Package health tracks a Healthy/Degraded/Unhealthy status per package
// source for run summaries, reports and doctor output.
package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/breeze-rmm/winpatch/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// Check stores the latest health result for a named component.
type Check struct {
	Name      string    `json:"name" yaml:"name"`
	Status    Status    `json:"status" yaml:"status"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Monitor tracks health checks for multiple components.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewMonitor creates a new health monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]Check),
	}
}

// Update records the health status for a named component.
func (m *Monitor) Update(name string, status Status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: time.Now(),
	}

	if status != Healthy {
		log.Warn("source health degraded", logging.KeySource, name, "status", string(status), "message", message)
	}
}

// RecordRun derives a source's status from one run: a scan error or every
// attempted package failing is Unhealthy, some failures are Degraded.
func (m *Monitor) RecordRun(name string, attempted, failed int, scanErr error) Status {
	var status Status
	var message string

	switch {
	case scanErr != nil:
		status, message = Unhealthy, "scan failed: "+scanErr.Error()
	case attempted > 0 && failed >= attempted:
		status, message = Unhealthy, fmt.Sprintf("all %d updates failed", attempted)
	case failed > 0:
		status, message = Degraded, fmt.Sprintf("%d of %d updates failed", failed, attempted)
	default:
		status, message = Healthy, fmt.Sprintf("%d updates applied", attempted)
	}

	m.Update(name, status, message)
	return status
}

// Get returns the health check for a named component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all registered checks.
// If no checks are registered, returns Unknown.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if worse(c.Status, worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns a snapshot of all current health checks sorted by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Summary returns a JSON-friendly map for run summaries and notifications.
func (m *Monitor) Summary() map[string]any {
	overall := m.Overall()
	checks := m.All()

	sources := make(map[string]string, len(checks))
	for _, c := range checks {
		sources[c.Name] = string(c.Status)
	}

	return map[string]any{
		"status":  string(overall),
		"sources": sources,
	}
}

// worse returns true if a is worse than b.
func worse(a, b Status) bool {
	return statusRank(a) > statusRank(b)
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 0
	}
}
