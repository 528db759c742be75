// Package orchestrator runs the per-source update pipeline:
// scan, diff, sort, preflight, upgrade, validate, record.
package orchestrator

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/winpatch/internal/audit"
	"github.com/breeze-rmm/winpatch/internal/bootstrap"
	"github.com/breeze-rmm/winpatch/internal/cache"
	"github.com/breeze-rmm/winpatch/internal/config"
	"github.com/breeze-rmm/winpatch/internal/health"
	"github.com/breeze-rmm/winpatch/internal/history"
	"github.com/breeze-rmm/winpatch/internal/logging"
	"github.com/breeze-rmm/winpatch/internal/metrics"
	"github.com/breeze-rmm/winpatch/internal/notify"
	"github.com/breeze-rmm/winpatch/internal/patching"
	"github.com/breeze-rmm/winpatch/internal/priority"
	"github.com/breeze-rmm/winpatch/internal/publish"
	"github.com/breeze-rmm/winpatch/internal/security"
	"github.com/breeze-rmm/winpatch/internal/verify"
)

var log = logging.L("orchestrator")

// ErrNoSources is returned when no requested source is available.
var ErrNoSources = errors.New("no package sources available")

// Sources resolves package backends by ID.
type Sources interface {
	Get(id patching.Source) (patching.PackageSource, bool)
	Select(ids []patching.Source) ([]patching.PackageSource, error)
}

// Deps are the collaborators of an Orchestrator. Optional ones may be nil:
// History, Audit, Metrics, Notifier, Publisher and Bootstrap.
type Deps struct {
	Config    *config.Config
	Sources   Sources
	Cache     *cache.Cache
	Priority  *priority.Store
	History   *history.Ledger
	Verify    *verify.Validator
	Security  *security.Validator
	Audit     *audit.Logger
	Health    *health.Monitor
	Metrics   *metrics.Recorder
	Notifier  *notify.Notifier
	Publisher publish.Uploader
	Bootstrap *bootstrap.Bootstrapper

	// Hooks replaced in tests.
	Preflight    func(patching.PreflightOptions) patching.PreflightResult
	RestorePoint func(description string) error
	Running      func(packageName string) []string
	Now          func() time.Time
	NewRunID     func() string
}

// Orchestrator owns one process's run state.
type Orchestrator struct {
	Deps
	comparator *cache.Comparator
}

// New fills default hooks and builds the differential comparator from the
// configured per-source comparators.
func New(d Deps) (*Orchestrator, error) {
	if d.Config == nil {
		d.Config = config.Default()
	}
	if d.Sources == nil {
		return nil, errors.New("orchestrator: sources are required")
	}
	if d.Cache == nil {
		d.Cache = cache.New(d.Config.CachePath())
	}
	if d.Priority == nil {
		d.Priority = priority.Open(d.Config.PriorityPath())
	}
	if d.Verify == nil {
		d.Verify = verify.New(verify.OptionsFromConfig(d.Config), nil)
	}
	if d.Security == nil {
		opts, err := security.OptionsFromConfig(d.Config)
		if err != nil {
			return nil, err
		}
		d.Security = security.New(opts, nil)
	}
	if d.Health == nil {
		d.Health = health.NewMonitor()
	}
	if d.Preflight == nil {
		d.Preflight = patching.RunPreflight
	}
	if d.RestorePoint == nil {
		d.RestorePoint = patching.CreateRestorePoint
	}
	if d.Running == nil {
		d.Running = patching.RunningProcesses
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewRunID == nil {
		d.NewRunID = uuid.NewString
	}

	var cmpOpts []cache.ComparatorOption
	for name, cmp := range d.Config.Differential.Comparators {
		src, err := patching.ParseSource(name)
		if err != nil {
			return nil, err
		}
		vc, err := cache.ComparatorByName(cmp)
		if err != nil {
			return nil, err
		}
		cmpOpts = append(cmpOpts, cache.WithComparator(src, vc))
	}

	return &Orchestrator{Deps: d, comparator: cache.NewComparator(d.Cache, cmpOpts...)}, nil
}

// PreflightOptions maps the preflight section onto patching options.
func PreflightOptions(cfg *config.Config) patching.PreflightOptions {
	p := cfg.Preflight
	return patching.PreflightOptions{
		CheckServiceHealth: p.CheckServices && len(p.Services) > 0,
		Services:           p.Services,
		CheckDiskSpace:     p.MinDiskSpaceGB > 0,
		MinDiskSpaceGB:     p.MinDiskSpaceGB,
		CheckMaintWindow:   p.MaintenanceStart != "" && p.MaintenanceEnd != "",
		MaintenanceStart:   p.MaintenanceStart,
		MaintenanceEnd:     p.MaintenanceEnd,
		MaintenanceDays:    p.MaintenanceDays,
	}
}

func (o *Orchestrator) sources(ids []patching.Source) ([]patching.PackageSource, error) {
	if len(ids) == 0 {
		var err error
		if ids, err = patching.ParseSources(o.Config.Sources); err != nil {
			return nil, err
		}
	}
	srcs, err := o.Sources.Select(ids)
	if len(srcs) == 0 {
		return nil, errors.Join(ErrNoSources, err)
	}
	if err != nil {
		log.Warn("some package sources are unavailable", logging.KeyError, err.Error())
	}
	return srcs, nil
}

// record appends to the ledger when history is enabled. Failures are logged,
// never returned.
func (o *Orchestrator) record(e history.Entry) {
	if o.History == nil {
		return
	}
	if err := o.History.Append(e); err != nil {
		log.Error("history append failed",
			logging.KeyPackage, e.PackageName,
			logging.KeySource, string(e.Source),
			logging.KeyError, err.Error())
	}
}

func (o *Orchestrator) count(src patching.Source, outcome string) {
	if o.Metrics != nil {
		o.Metrics.Package(string(src), outcome)
	}
}
