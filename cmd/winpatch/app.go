package main

import (
	"context"
	"net/http"

	"github.com/breeze-rmm/winpatch/internal/audit"
	"github.com/breeze-rmm/winpatch/internal/bootstrap"
	"github.com/breeze-rmm/winpatch/internal/cache"
	"github.com/breeze-rmm/winpatch/internal/executor"
	"github.com/breeze-rmm/winpatch/internal/history"
	"github.com/breeze-rmm/winpatch/internal/logging"
	"github.com/breeze-rmm/winpatch/internal/metrics"
	"github.com/breeze-rmm/winpatch/internal/notify"
	"github.com/breeze-rmm/winpatch/internal/orchestrator"
	"github.com/breeze-rmm/winpatch/internal/patching"
	"github.com/breeze-rmm/winpatch/internal/priority"
	"github.com/breeze-rmm/winpatch/internal/publish"
	"github.com/breeze-rmm/winpatch/internal/security"
	"github.com/breeze-rmm/winpatch/internal/verify"
)

func timeouts() patching.Timeouts {
	return patching.Timeouts{
		Scan:    cfg.ScanTimeout(),
		Install: cfg.InstallTimeout(),
		Query:   cfg.QueryTimeout(),
	}
}

// newManager registers the configured sources.
func newManager() (*patching.Manager, error) {
	ids, err := patching.ParseSources(cfg.Sources)
	if err != nil {
		return nil, err
	}
	return patching.NewDefaultManager(executor.Exec, timeouts(), ids), nil
}

func newCache() *cache.Cache { return cache.New(cfg.CachePath()) }

func newLedger() *history.Ledger { return history.New(cfg.HistoryPath()) }

func newPriorityStore() *priority.Store { return priority.Open(cfg.PriorityPath()) }

func newVerifier() *verify.Validator {
	return verify.New(verify.OptionsFromConfig(cfg), executor.Exec)
}

func newSecurityValidator() (*security.Validator, error) {
	opts, err := security.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	var hashes *security.HashStore
	if opts.SaveHashDatabase {
		hashes = security.OpenHashStore(cfg.HashDatabasePath(), nil)
	}
	return security.New(opts, hashes), nil
}

// openAudit returns nil when auditing is disabled or the trail cannot be
// opened; audit.Logger methods accept a nil receiver.
func openAudit() *audit.Logger {
	if !cfg.AuditEnabled {
		return nil
	}
	l, err := audit.Open(cfg.AuditPath(), cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		log.Warn("audit trail unavailable", logging.KeyError, err.Error())
		return nil
	}
	return l
}

func newBootstrapper() *bootstrap.Bootstrapper {
	return bootstrap.New(bootstrap.OptionsFromConfig(cfg.Bootstrap), executor.Exec)
}

// newOrchestrator wires every component from cfg. The caller closes the
// returned audit logger.
func newOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, *audit.Logger, error) {
	mgr, err := newManager()
	if err != nil {
		return nil, nil, err
	}
	sec, err := newSecurityValidator()
	if err != nil {
		return nil, nil, err
	}

	deps := orchestrator.Deps{
		Config:   cfg,
		Sources:  mgr,
		Cache:    newCache(),
		Priority: newPriorityStore(),
		Verify:   newVerifier(),
		Security: sec,
		Audit:    openAudit(),
		Metrics:  metrics.New(),
	}
	if cfg.History.Enabled {
		deps.History = newLedger()
	}
	if cfg.Bootstrap.AutoInstall || cfg.Bootstrap.FailOnMissingDependency {
		deps.Bootstrap = newBootstrapper()
	}
	if cfg.Notify.Enabled {
		n, err := notify.New(cfg.Notify, &http.Client{Timeout: cfg.NotifyTimeout()})
		if err != nil {
			log.Warn("notifications disabled", logging.KeyError, err.Error())
		} else {
			deps.Notifier = n
		}
	}
	if cfg.Publish.Enabled {
		up, err := publish.FromConfig(ctx, cfg.Publish)
		if err != nil {
			log.Warn("report publishing disabled", logging.KeyError, err.Error())
		} else {
			deps.Publisher = up
		}
	}

	o, err := orchestrator.New(deps)
	if err != nil {
		_ = deps.Audit.Close()
		return nil, nil, err
	}
	return o, deps.Audit, nil
}
