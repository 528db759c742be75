package orchestrator

import (
	"time"

	"github.com/breeze-rmm/winpatch/internal/health"
	"github.com/breeze-rmm/winpatch/internal/notify"
	"github.com/breeze-rmm/winpatch/internal/patching"
	"github.com/breeze-rmm/winpatch/internal/priority"
	"github.com/breeze-rmm/winpatch/internal/security"
	"github.com/breeze-rmm/winpatch/internal/verify"
)

// Stage names the pipeline step a package stopped at.
type Stage string

const (
	StageScan      Stage = "scan"
	StageUpgrade   Stage = "upgrade"
	StageVerify    Stage = "verify"
	StageSecurity  Stage = "security"
	StageInstall   Stage = "install"
	StageLookup    Stage = "lookup"
	StageCancelled Stage = "cancelled"
)

// Unchanged marks a package the differential cache would have skipped.
const Unchanged = "Unchanged"

// PackageResult is the outcome for one package.
type PackageResult struct {
	Source          patching.Source  `json:"source"`
	Name            string           `json:"name"`
	DisplayName     string           `json:"displayName,omitempty"`
	PreviousVersion string           `json:"previousVersion"`
	Version         string           `json:"version"`
	Tier            priority.Tier    `json:"tier"`
	Change          string           `json:"change"`
	Success         bool             `json:"success"`
	Skipped         bool             `json:"skipped,omitempty"`
	Stage           Stage            `json:"stage,omitempty"`
	Error           string           `json:"error,omitempty"`
	RebootRequired  bool             `json:"rebootRequired,omitempty"`
	Running         []string         `json:"running,omitempty"`
	Verify          *verify.Result   `json:"verify,omitempty"`
	Security        *security.Result `json:"security,omitempty"`
}

// SourceResult groups the packages handled for one source.
type SourceResult struct {
	Source   patching.Source `json:"source"`
	Scanned  int             `json:"scanned"`
	Packages []PackageResult `json:"packages"`
	Health   health.Status   `json:"health"`
	Error    string          `json:"error,omitempty"`
}

// Counts returns attempted, succeeded, failed and skipped package counts.
func (r SourceResult) Counts() (attempted, succeeded, failed, skipped int) {
	for _, p := range r.Packages {
		switch {
		case p.Skipped:
			skipped++
		case p.Success:
			attempted++
			succeeded++
		default:
			attempted++
			failed++
		}
	}
	return
}

// RunSummary is returned by Update.
type RunSummary struct {
	RunID        string         `json:"runId"`
	StartedAt    time.Time      `json:"startedAt"`
	FinishedAt   time.Time      `json:"finishedAt"`
	DryRun       bool           `json:"dryRun,omitempty"`
	Differential bool           `json:"differential"`
	RestorePoint bool           `json:"restorePoint,omitempty"`
	Sources      []SourceResult `json:"sources"`
	Preflight    []string       `json:"preflight,omitempty"`
	ReportPath   string         `json:"reportPath,omitempty"`
	PublishedTo  string         `json:"publishedTo,omitempty"`
	Health       []health.Check `json:"health,omitempty"`
}

// Totals sums Counts over every source.
func (s RunSummary) Totals() (attempted, succeeded, failed, skipped int) {
	for _, r := range s.Sources {
		a, ok, f, sk := r.Counts()
		attempted += a
		succeeded += ok
		failed += f
		skipped += sk
	}
	return
}

// HasFailures reports a failed package or a source that could not be scanned.
func (s RunSummary) HasFailures() bool {
	for _, r := range s.Sources {
		if r.Error != "" {
			return true
		}
	}
	_, _, failed, _ := s.Totals()
	return failed > 0
}

// Notification converts the summary into the webhook payload.
func (s RunSummary) Notification(computer string) notify.Summary {
	attempted, succeeded, failed, skipped := s.Totals()
	n := notify.Summary{
		RunID:        s.RunID,
		ComputerName: computer,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
		DryRun:       s.DryRun,
		Attempted:    attempted,
		Succeeded:    succeeded,
		Failed:       failed,
		Skipped:      skipped,
		Health:       s.Health,
		ReportPath:   s.ReportPath,
	}
	for _, r := range s.Sources {
		if r.Error != "" {
			n.Failures = append(n.Failures, notify.Failure{Source: string(r.Source), Stage: string(StageScan), Error: r.Error})
		}
		for _, p := range r.Packages {
			if !p.Success && !p.Skipped {
				n.Failures = append(n.Failures, notify.Failure{
					PackageName: p.Name,
					Source:      string(p.Source),
					Stage:       string(p.Stage),
					Error:       p.Error,
				})
			}
		}
	}
	return n
}
