// Package metrics records run counters in a private Prometheus registry and
// writes them as a node_exporter textfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/breeze-rmm/winpatch/internal/logging"
)

var log = logging.L("metrics")

const namespace = "winpatch"

// Outcome labels for the packages counter.
const (
	OutcomeAttempted = "attempted"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Recorder holds the collectors for one process.
type Recorder struct {
	registry *prometheus.Registry

	Packages      *prometheus.CounterVec
	RunDuration   prometheus.Gauge
	LastRun       prometheus.Gauge
	LastRunFailed prometheus.Gauge
	CacheEntries  *prometheus.GaugeVec
	SourceHealthy *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		Packages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_total",
			Help:      "Packages processed in the last run by source and outcome",
		}, []string{"source", "outcome"}),
		RunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall-clock duration of the last run",
		}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
		LastRunFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_failed",
			Help:      "1 when the last run had at least one failure",
		}),
		CacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Packages in the version cache by source",
		}, []string{"source"}),
		SourceHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_healthy",
			Help:      "1 when the source finished the last run healthy",
		}, []string{"source"}),
	}
	r.registry.MustRegister(r.Packages, r.RunDuration, r.LastRun, r.LastRunFailed, r.CacheEntries, r.SourceHealthy)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Package counts one package outcome for source.
func (r *Recorder) Package(source, outcome string) {
	r.Packages.WithLabelValues(source, outcome).Inc()
}

// SourceHealth sets the health gauge for source.
func (r *Recorder) SourceHealth(source string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	r.SourceHealthy.WithLabelValues(source).Set(v)
}

// CacheSize sets the cached package count for source.
func (r *Recorder) CacheSize(source string, n int) {
	r.CacheEntries.WithLabelValues(source).Set(float64(n))
}

// RunFinished records the end of a run.
func (r *Recorder) RunFinished(finished time.Time, duration time.Duration, failed bool) {
	r.LastRun.Set(float64(finished.Unix()))
	r.RunDuration.Set(duration.Seconds())
	if failed {
		r.LastRunFailed.Set(1)
	} else {
		r.LastRunFailed.Set(0)
	}
}

// WriteTextfile writes the registry to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return fmt.Errorf("metrics textfile path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	log.Debug("metrics textfile written", "path", path)
	return nil
}
