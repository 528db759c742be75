package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/breeze-rmm/winpatch/internal/audit"
	"github.com/breeze-rmm/winpatch/internal/history"
	"github.com/breeze-rmm/winpatch/internal/logging"
	"github.com/breeze-rmm/winpatch/internal/patching"
	"github.com/breeze-rmm/winpatch/internal/verify"
)

// ErrNoPreviousVersion is returned when no rollback target is known.
var ErrNoPreviousVersion = errors.New("no previous version recorded")

// RollbackRequest names a package and, optionally, the version to restore.
type RollbackRequest struct {
	PackageName string
	Source      patching.Source
	Version     string
}

// PreviousVersion returns the PreviousVersion of the newest successful
// upgrade or install of pkg from src.
func (o *Orchestrator) PreviousVersion(pkg string, src patching.Source) (string, error) {
	if o.History == nil {
		return "", ErrNoPreviousVersion
	}
	entries := o.History.Query(history.Filter{Source: src, Success: history.Succeeded()})
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !strings.EqualFold(e.PackageName, pkg) {
			continue
		}
		if e.Operation != history.OpUpgrade && e.Operation != history.OpInstall {
			continue
		}
		if v := knownVersion(e.PreviousVersion); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s %s: %w", src, pkg, ErrNoPreviousVersion)
}

// Rollback reinstalls a previous version of one package. The outcome is
// always recorded; the error mirrors a failed result.
func (o *Orchestrator) Rollback(ctx context.Context, req RollbackRequest) (PackageResult, error) {
	runID := o.NewRunID()
	pr := PackageResult{Source: req.Source, Name: req.PackageName, Version: req.Version}
	pkgLog := logging.WithPackage(logging.WithRun(log, runID), string(req.Source), req.PackageName)

	src, ok := o.Sources.Get(req.Source)
	if !ok {
		pr.Stage, pr.Error = StageLookup, fmt.Sprintf("package source %s is not enabled", req.Source)
		return pr, errors.New(pr.Error)
	}

	if pr.Version == "" {
		v, err := o.PreviousVersion(req.PackageName, req.Source)
		if err != nil {
			pr.Stage, pr.Error = StageLookup, err.Error()
			return pr, err
		}
		pr.Version = v
	}

	if current, found, err := src.GetInstalledVersion(ctx, req.PackageName); err == nil && found {
		pr.PreviousVersion = current
	} else {
		pr.PreviousVersion = history.UnknownVersion
	}

	start := time.Now()
	res, err := src.Install(ctx, req.PackageName, pr.Version)
	pr.RebootRequired = res.RebootRequired
	if err != nil {
		pr.Stage, pr.Error = StageInstall, err.Error()
	} else {
		vr := o.Verify.Validate(ctx, src, verify.Request{
			PackageName:     req.PackageName,
			Source:          req.Source,
			ExpectedVersion: pr.Version,
		})
		pr.Verify = &vr
		if !vr.Success {
			pr.Stage, pr.Error = StageVerify, vr.Message
		}
	}
	pr.Success = pr.Error == ""

	o.record(history.Entry{
		PackageName:     req.PackageName,
		Version:         pr.Version,
		PreviousVersion: pr.PreviousVersion,
		Source:          req.Source,
		Operation:       history.OpRollback,
		Success:         pr.Success,
		ErrorMessage:    pr.Error,
	})
	o.Audit.Log(audit.EventRollback, runID, map[string]any{
		"source":          string(req.Source),
		"package":         req.PackageName,
		"previousVersion": pr.PreviousVersion,
		"version":         pr.Version,
		"success":         pr.Success,
	})

	if !pr.Success {
		pkgLog.Error("rollback failed", "stage", string(pr.Stage), logging.KeyError, pr.Error)
		return pr, fmt.Errorf("rollback %s %s: %s", req.Source, req.PackageName, pr.Error)
	}
	pkgLog.Info("package rolled back",
		"from", pr.PreviousVersion,
		"to", pr.Version,
		logging.KeyDurationMs, time.Since(start).Milliseconds())
	return pr, nil
}

// RollbackAll rolls back every request, continuing past failures.
func (o *Orchestrator) RollbackAll(ctx context.Context, reqs []RollbackRequest) ([]PackageResult, error) {
	results := make([]PackageResult, 0, len(reqs))
	var errs []error
	for _, req := range reqs {
		pr, err := o.Rollback(ctx, req)
		results = append(results, pr)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}
