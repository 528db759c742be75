package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/breeze-rmm/winpatch/internal/audit"
	"github.com/breeze-rmm/winpatch/internal/health"
	"github.com/breeze-rmm/winpatch/internal/history"
	"github.com/breeze-rmm/winpatch/internal/logging"
	"github.com/breeze-rmm/winpatch/internal/patching"
	"github.com/breeze-rmm/winpatch/internal/publish"
	"github.com/breeze-rmm/winpatch/internal/report"
)

// finish runs the post-run steps. Each one logs its own failure and never
// fails the run.
func (o *Orchestrator) finish(ctx context.Context, summary *RunSummary, wantReport bool) {
	summary.FinishedAt = o.Now()
	summary.Health = o.Health.All()

	if o.History != nil && o.Config.History.AutoPrune && !summary.DryRun {
		if _, err := o.History.Prune(o.Config.History.RetentionDays); err != nil {
			log.Warn("history prune failed", logging.KeyError, err.Error())
		}
	}

	if (wantReport || o.Config.Reporting.Enabled) && o.History != nil {
		o.writeReport(ctx, summary)
	}

	o.writeMetrics(summary)

	if o.Notifier != nil {
		if _, err := o.Notifier.Send(ctx, summary.Notification(computerName())); err != nil {
			log.Warn("notification not delivered", logging.KeyRunID, summary.RunID, logging.KeyError, err.Error())
		}
	}

	attempted, succeeded, failed, skipped := summary.Totals()
	o.Audit.Log(audit.EventRunComplete, summary.RunID, map[string]any{
		"attempted": attempted,
		"succeeded": succeeded,
		"failed":    failed,
		"skipped":   skipped,
	})
	log.Info("update run complete",
		logging.KeyRunID, summary.RunID,
		"attempted", attempted,
		"succeeded", succeeded,
		"failed", failed,
		"skipped", skipped,
		logging.KeyDurationMs, summary.FinishedAt.Sub(summary.StartedAt).Milliseconds())
}

func (o *Orchestrator) writeReport(ctx context.Context, summary *RunSummary) {
	format, err := report.ParseFormat(o.Config.Reporting.Format)
	if err != nil {
		format = report.FormatHTML
	}
	name := "winpatch-" + summary.StartedAt.Format("20060102-150405") + format.Extension()
	path := filepath.Join(o.Config.ReportDir(), name)

	err = o.History.ExportReport(format, path, o.Config.Reporting.Days)
	if errors.Is(err, history.ErrNoEntries) {
		log.Info("no history entries to report")
		return
	}
	if err != nil {
		log.Warn("report not written", logging.KeyError, err.Error())
		return
	}
	summary.ReportPath = path
	log.Info("report written", "path", path, "format", string(format))

	if o.Publisher == nil {
		return
	}
	loc, err := publish.Publish(ctx, o.Publisher, o.Config.Publish.Prefix, computerName(), path, summary.FinishedAt)
	if err != nil {
		log.Warn("report not published", logging.KeyError, err.Error())
		return
	}
	summary.PublishedTo = loc
}

func (o *Orchestrator) writeMetrics(summary *RunSummary) {
	if o.Metrics == nil {
		return
	}
	doc := o.Cache.Load()
	for _, src := range patching.AllSources {
		o.Metrics.CacheSize(string(src), len(doc.Entries(src)))
	}
	for _, r := range summary.Sources {
		o.Metrics.SourceHealth(string(r.Source), r.Health == health.Healthy)
	}
	o.Metrics.RunFinished(summary.FinishedAt, summary.FinishedAt.Sub(summary.StartedAt), summary.HasFailures())

	if !o.Config.Metrics.Enabled {
		return
	}
	if err := o.Metrics.WriteTextfile(o.Config.MetricsPath()); err != nil {
		log.Warn("metrics not written", logging.KeyError, err.Error())
	}
}

func computerName() string {
	if name := os.Getenv("COMPUTERNAME"); name != "" {
		return name
	}
	name, _ := os.Hostname()
	return name
}
