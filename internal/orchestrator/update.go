package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/breeze-rmm/winpatch/internal/audit"
	"github.com/breeze-rmm/winpatch/internal/bootstrap"
	"github.com/breeze-rmm/winpatch/internal/cache"
	"github.com/breeze-rmm/winpatch/internal/health"
	"github.com/breeze-rmm/winpatch/internal/history"
	"github.com/breeze-rmm/winpatch/internal/logging"
	"github.com/breeze-rmm/winpatch/internal/metrics"
	"github.com/breeze-rmm/winpatch/internal/patching"
	"github.com/breeze-rmm/winpatch/internal/priority"
	"github.com/breeze-rmm/winpatch/internal/security"
	"github.com/breeze-rmm/winpatch/internal/verify"
)

// UpdateOptions select what an update run does. Differential nil means the
// configured default.
type UpdateOptions struct {
	Sources        []patching.Source
	Differential   *bool
	DryRun         bool
	SkipValidation bool
	SkipSecurity   bool
	NoRestorePoint bool
	Report         bool
}

// Candidate is a scanned upgrade with its change classification and tier.
type Candidate struct {
	Upgrade         patching.Upgrade `json:"upgrade"`
	Change          string           `json:"change"`
	PreviousVersion string           `json:"previousVersion"`
	Tier            priority.Tier    `json:"tier"`
}

// Update runs the pipeline for every selected source. Package failures are
// reported in the summary; the error is non-nil only when the run halted or
// a source could not be scanned.
func (o *Orchestrator) Update(ctx context.Context, opts UpdateOptions) (*RunSummary, error) {
	differential := o.Config.Differential.Enabled
	if opts.Differential != nil {
		differential = *opts.Differential
	}
	summary := &RunSummary{
		RunID:        o.NewRunID(),
		StartedAt:    o.Now(),
		DryRun:       opts.DryRun,
		Differential: differential,
	}
	runLog := logging.WithRun(log, summary.RunID)
	runLog.Info("update run starting", "dryRun", opts.DryRun, "differential", differential)
	o.Audit.Log(audit.EventRunStart, summary.RunID, map[string]any{
		"dryRun":       opts.DryRun,
		"differential": differential,
	})

	srcs, err := o.sources(opts.Sources)
	if err != nil {
		return o.halt(summary, err)
	}
	if srcs, err = o.ensureDependencies(ctx, srcs, opts.DryRun); err != nil {
		return o.halt(summary, err)
	}

	if !opts.DryRun {
		if err := o.preflight(summary); err != nil {
			return o.halt(summary, err)
		}
		if err := o.restorePoint(summary, opts); err != nil {
			return o.halt(summary, err)
		}
	}

	pcfg := o.Priority.Config()
	var scanErrs []error
	for _, src := range srcs {
		if err := ctx.Err(); err != nil {
			scanErrs = append(scanErrs, err)
			break
		}
		result, err := o.updateSource(ctx, summary.RunID, src, pcfg, differential, opts)
		if err != nil {
			scanErrs = append(scanErrs, err)
		}
		summary.Sources = append(summary.Sources, result)
	}

	o.finish(ctx, summary, opts.Report)
	return summary, errors.Join(scanErrs...)
}

// halt ends a run that could not start.
func (o *Orchestrator) halt(summary *RunSummary, err error) (*RunSummary, error) {
	summary.FinishedAt = o.Now()
	log.Error("update run halted", logging.KeyRunID, summary.RunID, logging.KeyError, err.Error())
	o.Audit.Log(audit.EventRunComplete, summary.RunID, map[string]any{"halted": true, "error": err.Error()})
	return summary, err
}

// ensureDependencies drops sources whose CLI is missing. A dry run only
// checks; installers never run.
func (o *Orchestrator) ensureDependencies(ctx context.Context, srcs []patching.PackageSource, dryRun bool) ([]patching.PackageSource, error) {
	if o.Bootstrap == nil {
		return srcs, nil
	}
	ids := make([]patching.Source, 0, len(srcs))
	for _, s := range srcs {
		ids = append(ids, s.ID())
	}
	var statuses []bootstrap.Status
	if dryRun {
		statuses = o.Bootstrap.CheckSources(ids)
	} else {
		var err error
		if statuses, err = o.Bootstrap.EnsureSources(ctx, ids); err != nil {
			return nil, err
		}
	}

	kept := srcs[:0:0]
	for i, st := range statuses {
		if st.Installed {
			o.Audit.Log(audit.EventBootstrap, "", map[string]any{"source": string(st.Source), "command": st.Command})
		}
		if !st.Present {
			o.Health.Update(string(st.Source), health.Unhealthy, fmt.Sprintf("%s is not installed", st.Command))
			continue
		}
		kept = append(kept, srcs[i])
	}
	if len(kept) == 0 {
		return nil, ErrNoSources
	}
	return kept, nil
}

func (o *Orchestrator) preflight(summary *RunSummary) error {
	if !o.Config.Preflight.Enabled {
		return nil
	}
	res := o.Preflight(PreflightOptions(o.Config))
	for _, check := range res.Checks {
		line := fmt.Sprintf("%s: %s", check.Name, check.Message)
		summary.Preflight = append(summary.Preflight, line)
		if check.Passed {
			log.Debug("preflight passed", "check", check.Name, "message", check.Message)
		} else {
			log.Warn("preflight failed", "check", check.Name, "message", check.Message)
		}
	}
	summary.Preflight = append(summary.Preflight, res.Warnings...)
	if !res.OK {
		return res.FirstError()
	}
	return nil
}

func (o *Orchestrator) restorePoint(summary *RunSummary, opts UpdateOptions) error {
	p := o.Config.Preflight
	if !p.CreateRestorePoint || opts.NoRestorePoint {
		return nil
	}
	desc := "winpatch update " + summary.StartedAt.Format("2006-01-02 15:04")
	err := o.RestorePoint(desc)
	o.Audit.Log(audit.EventRestorePoint, summary.RunID, map[string]any{
		"description": desc,
		"success":     err == nil,
	})
	if err == nil {
		summary.RestorePoint = true
		log.Info("restore point created", "description", desc)
		return nil
	}
	if p.RequireRestorePoint {
		return fmt.Errorf("create restore point: %w", err)
	}
	log.Warn("restore point not created, continuing", logging.KeyError, err.Error())
	return nil
}

// Candidates scans src and returns its upgrades classified against the
// cache and sorted by priority. With differential set, unchanged packages
// are dropped.
func (o *Orchestrator) Candidates(ctx context.Context, src patching.PackageSource, pcfg priority.Config, differential bool) (int, []Candidate, error) {
	upgrades, err := src.ListAvailableUpgrades(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("%s scan failed: %w", src.ID(), err)
	}

	current := make([]cache.Package, 0, len(upgrades))
	for _, u := range upgrades {
		current = append(current, cache.Package{Name: u.Key(), Version: u.AvailableVersion})
	}
	changes := make(map[string]cache.Change, len(upgrades))
	for _, c := range o.comparator.Compare(current, src.ID()) {
		changes[strings.ToLower(c.Name)] = c
	}

	var cands []Candidate
	for _, u := range upgrades {
		c, changed := changes[strings.ToLower(u.Key())]
		if differential && !changed {
			log.Debug("skipping unchanged package", logging.KeySource, string(src.ID()), logging.KeyPackage, u.Key())
			continue
		}
		cand := Candidate{Upgrade: u, Change: Unchanged, PreviousVersion: u.Version}
		if changed {
			cand.Change = string(c.ChangeType)
		}
		cands = append(cands, cand)
	}

	ranked := priority.Sort(cands, func(c Candidate) string { return c.Upgrade.Key() }, src.ID(), pcfg, "")
	out := make([]Candidate, 0, len(ranked))
	for _, r := range ranked {
		r.Item.Tier = r.Tier
		out = append(out, r.Item)
	}
	return len(upgrades), out, nil
}

func (o *Orchestrator) updateSource(ctx context.Context, runID string, src patching.PackageSource, pcfg priority.Config, differential bool, opts UpdateOptions) (SourceResult, error) {
	id := src.ID()
	result := SourceResult{Source: id, Packages: []PackageResult{}}
	start := time.Now()

	scanned, cands, err := o.Candidates(ctx, src, pcfg, differential)
	result.Scanned = scanned
	if err != nil {
		result.Error = err.Error()
		result.Health = o.Health.RecordRun(string(id), 0, 0, err)
		o.count(id, metrics.OutcomeFailed)
		return result, err
	}
	log.Info("source scanned",
		logging.KeySource, string(id),
		"available", scanned,
		"candidates", len(cands),
		logging.KeyDurationMs, time.Since(start).Milliseconds())

	for _, cand := range cands {
		if ctx.Err() != nil {
			result.Packages = append(result.Packages, PackageResult{
				Source: id, Name: cand.Upgrade.Key(), Tier: cand.Tier, Change: cand.Change,
				PreviousVersion: cand.PreviousVersion, Version: cand.Upgrade.AvailableVersion,
				Stage: StageCancelled, Error: ctx.Err().Error(),
			})
			continue
		}
		pr := o.upgradeOne(ctx, runID, src, cand, opts)
		result.Packages = append(result.Packages, pr)
	}

	attempted, _, failed, _ := result.Counts()
	result.Health = o.Health.RecordRun(string(id), attempted, failed, nil)
	return result, nil
}

func (o *Orchestrator) upgradeOne(ctx context.Context, runID string, src patching.PackageSource, cand Candidate, opts UpdateOptions) PackageResult {
	id := src.ID()
	name := cand.Upgrade.Key()
	pr := PackageResult{
		Source:          id,
		Name:            name,
		DisplayName:     cand.Upgrade.Name,
		PreviousVersion: cand.PreviousVersion,
		Version:         cand.Upgrade.AvailableVersion,
		Tier:            cand.Tier,
		Change:          cand.Change,
	}
	pkgLog := logging.WithPackage(logging.WithRun(log, runID), string(id), name)

	if opts.DryRun {
		pr.Skipped, pr.Success = true, true
		o.count(id, metrics.OutcomeSkipped)
		pkgLog.Info("dry run, not upgrading", "tier", string(cand.Tier), "change", cand.Change)
		return pr
	}

	if o.Config.Preflight.WarnRunningProcesses {
		if running := o.Running(name); len(running) > 0 {
			pr.Running = running
			pkgLog.Warn("package is running and may need a restart", "processes", strings.Join(running, ", "))
		}
	}

	o.count(id, metrics.OutcomeAttempted)
	start := time.Now()
	res, err := src.Upgrade(ctx, name)
	pr.RebootRequired = res.RebootRequired
	if err != nil {
		pr.Stage, pr.Error = StageUpgrade, err.Error()
	}

	if pr.Error == "" && !opts.SkipValidation {
		vr := o.Verify.Validate(ctx, src, verify.Request{
			PackageName:     name,
			Source:          id,
			PreviousVersion: knownVersion(cand.Upgrade.Version),
			ExpectedVersion: knownVersion(cand.Upgrade.AvailableVersion),
		})
		pr.Verify = &vr
		if vr.CurrentVersion != "" {
			pr.Version = vr.CurrentVersion
		}
		if !vr.Success {
			pr.Stage, pr.Error = StageVerify, vr.Message
		}
	}

	if pr.Error == "" && !opts.SkipSecurity {
		sr := o.Security.Validate(ctx, src, security.Request{
			PackageName: name,
			Source:      id,
			Version:     pr.Version,
		})
		pr.Security = &sr
		if !sr.Success {
			pr.Stage, pr.Error = StageSecurity, sr.Message
		}
	}

	pr.Success = pr.Error == ""
	if pr.Success {
		o.count(id, metrics.OutcomeSucceeded)
		pkgLog.Info("package upgraded",
			"from", pr.PreviousVersion,
			"to", pr.Version,
			logging.KeyDurationMs, time.Since(start).Milliseconds())
		if err := o.Cache.Upsert(id, name, cand.Upgrade.AvailableVersion); err != nil {
			pkgLog.Warn("cache update failed", logging.KeyError, err.Error())
		}
	} else {
		o.count(id, metrics.OutcomeFailed)
		pkgLog.Error("package upgrade failed", "stage", string(pr.Stage), logging.KeyError, pr.Error)
	}

	o.record(history.Entry{
		PackageName:     name,
		Version:         pr.Version,
		PreviousVersion: pr.PreviousVersion,
		Source:          id,
		Operation:       history.OpUpgrade,
		Success:         pr.Success,
		ErrorMessage:    pr.Error,
	})
	o.Audit.Log(audit.EventPackageUpgrade, runID, map[string]any{
		"source":          string(id),
		"package":         name,
		"previousVersion": pr.PreviousVersion,
		"version":         pr.Version,
		"success":         pr.Success,
		"stage":           string(pr.Stage),
	})
	return pr
}

// knownVersion drops placeholders backends print for unknown versions.
func knownVersion(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "unknown", "<", ">":
		return ""
	}
	return v
}
