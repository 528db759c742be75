// Package verify checks that an update actually took effect.
package verify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/breeze-rmm/winpatch/internal/config"
	"github.com/breeze-rmm/winpatch/internal/executor"
	"github.com/breeze-rmm/winpatch/internal/logging"
	"github.com/breeze-rmm/winpatch/internal/patching"
)

var log = logging.L("verify")

// Method records which check produced a Result.
type Method string

const (
	MethodSkipped      Method = "Skipped"
	MethodVersionCheck Method = "VersionCheck"
	MethodHealthCheck  Method = "HealthCheck"
	MethodNoCheck      Method = "NoCheck"
	MethodComplete     Method = "Complete"
)

const (
	msgNotFound      = "Package not found after update"
	msgUnchanged     = "Version unchanged after update"
	msgMismatch      = "Version mismatch"
	msgDisabled      = "Validation disabled"
	msgNoHealthCheck = "No health check configured"
	msgHealthPassed  = "Health check passed"
	msgComplete      = "Validation complete"
)

// Request asks for one package to be validated. PreviousVersion and
// ExpectedVersion are optional.
type Request struct {
	PackageName     string
	Source          patching.Source
	PreviousVersion string
	ExpectedVersion string
}

// Result is the terminal verdict for one request.
type Result struct {
	PackageName     string          `json:"packageName"`
	Source          patching.Source `json:"source"`
	Success         bool            `json:"success"`
	Method          Method          `json:"method"`
	Message         string          `json:"message"`
	CurrentVersion  string          `json:"currentVersion,omitempty"`
	PreviousVersion string          `json:"previousVersion,omitempty"`
	ExpectedVersion string          `json:"expectedVersion,omitempty"`
	ExitCode        int             `json:"exitCode,omitempty"`
	Output          string          `json:"output,omitempty"`
}

// Options controls which checks run.
type Options struct {
	Enabled             bool
	VerifyVersionChange bool
	HealthChecksEnabled bool
	// HealthChecks maps healthCheckKey(source, package) to an argv vector.
	HealthChecks       map[string][]string
	HealthCheckTimeout time.Duration
}

func healthCheckKey(src patching.Source, pkg string) string {
	return string(src) + "/" + strings.ToLower(pkg)
}

// SetHealthCheck registers argv for (src, pkg).
func (o *Options) SetHealthCheck(src patching.Source, pkg string, argv []string) {
	if o.HealthChecks == nil {
		o.HealthChecks = make(map[string][]string)
	}
	o.HealthChecks[healthCheckKey(src, pkg)] = argv
}

// HealthCheck returns the argv registered for (src, pkg).
func (o Options) HealthCheck(src patching.Source, pkg string) ([]string, bool) {
	argv, ok := o.HealthChecks[healthCheckKey(src, pkg)]
	return argv, ok && len(argv) > 0
}

// OptionsFromConfig builds Options from the validation section. Health checks
// naming an unknown source are skipped with a warning.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Enabled:             cfg.Validation.Enabled,
		VerifyVersionChange: cfg.Validation.VerifyVersionChange,
		HealthChecksEnabled: cfg.Validation.HealthChecksEnabled,
		HealthCheckTimeout:  cfg.HealthCheckTimeout(),
	}
	for _, hc := range cfg.Validation.HealthChecks {
		src, err := patching.ParseSource(hc.Source)
		if err != nil {
			log.Warn("ignoring health check", logging.KeyPackage, hc.Package, logging.KeyError, err.Error())
			continue
		}
		opts.SetHealthCheck(src, hc.Package, hc.Command)
	}
	return opts
}

// Validator runs post-update checks.
type Validator struct {
	opts Options
	exec patching.ExecFunc
}

// New returns a Validator running health checks through execFn, or through
// executor.Exec when execFn is nil.
func New(opts Options, execFn patching.ExecFunc) *Validator {
	if execFn == nil {
		execFn = executor.Exec
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = time.Minute
	}
	return &Validator{opts: opts, exec: execFn}
}

// Validate checks one package against src.
func (v *Validator) Validate(ctx context.Context, src patching.PackageSource, req Request) Result {
	res := Result{
		PackageName:     req.PackageName,
		Source:          req.Source,
		PreviousVersion: req.PreviousVersion,
		ExpectedVersion: req.ExpectedVersion,
	}
	if res.Source == "" && src != nil {
		res.Source = src.ID()
	}

	if !v.opts.Enabled {
		return v.pass(res, MethodSkipped, msgDisabled)
	}

	res.Method = MethodVersionCheck
	if src == nil {
		return v.fail(res, msgNotFound)
	}
	current, found, err := src.GetInstalledVersion(ctx, req.PackageName)
	if err != nil {
		res.Output = err.Error()
		return v.fail(res, msgNotFound)
	}
	if !found {
		return v.fail(res, msgNotFound)
	}
	res.CurrentVersion = current

	if v.opts.VerifyVersionChange && req.PreviousVersion != "" && current == req.PreviousVersion {
		return v.fail(res, msgUnchanged)
	}
	if req.ExpectedVersion != "" && current != req.ExpectedVersion {
		return v.fail(res, fmt.Sprintf("%s: expected %s, found %s", msgMismatch, req.ExpectedVersion, current))
	}

	if v.opts.HealthChecksEnabled {
		return v.healthCheck(ctx, res)
	}
	return v.pass(res, MethodComplete, msgComplete)
}

func (v *Validator) healthCheck(ctx context.Context, res Result) Result {
	argv, ok := v.opts.HealthCheck(res.Source, res.PackageName)
	if !ok {
		return v.pass(res, MethodNoCheck, msgNoHealthCheck)
	}

	res.Method = MethodHealthCheck
	stdout, stderr, exitCode, err := v.exec(ctx, argv[0], argv[1:], v.opts.HealthCheckTimeout)
	res.ExitCode = exitCode
	res.Output = strings.TrimSpace(strings.TrimSpace(stdout) + "\n" + strings.TrimSpace(stderr))
	if err != nil {
		return v.fail(res, fmt.Sprintf("Health check could not run: %v", err))
	}
	if exitCode != 0 {
		return v.fail(res, fmt.Sprintf("Health check failed with exit code %d", exitCode))
	}
	return v.pass(res, MethodHealthCheck, msgHealthPassed)
}

func (v *Validator) pass(res Result, method Method, msg string) Result {
	res.Success = true
	res.Method = method
	res.Message = msg
	return res
}

func (v *Validator) fail(res Result, msg string) Result {
	res.Success = false
	res.Message = msg
	return res
}

// Resolver finds the backend for a source.
type Resolver interface {
	Get(id patching.Source) (patching.PackageSource, bool)
}

// ValidateBatch validates every request, logging each verdict. It never
// stops early; a request whose source is not registered fails.
func (v *Validator) ValidateBatch(ctx context.Context, sources Resolver, reqs []Request) []Result {
	results := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		src, _ := sources.Get(req.Source)
		res := v.Validate(ctx, src, req)
		logResult(res)
		results = append(results, res)
	}
	return results
}

func logResult(res Result) {
	l := logging.WithPackage(log, string(res.Source), res.PackageName)
	if res.Success {
		l.Info("validation passed", "method", string(res.Method), "message", res.Message, "version", res.CurrentVersion)
		return
	}
	l.Warn("validation failed", "method", string(res.Method), "message", res.Message, "exitCode", res.ExitCode)
}
