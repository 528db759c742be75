// Package notify posts a JSON run summary to a webhook.
package notify

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/breeze-rmm/winpatch/internal/config"
	"github.com/breeze-rmm/winpatch/internal/health"
	"github.com/breeze-rmm/winpatch/internal/httputil"
	"github.com/breeze-rmm/winpatch/internal/logging"
)

var log = logging.L("notify")

// ErrNoWebhook is returned by New when no webhook URL is configured.
var ErrNoWebhook = errors.New("webhook url is required")

// Failure describes one package that failed during a run.
type Failure struct {
	PackageName string `json:"packageName"`
	Source      string `json:"source"`
	Stage       string `json:"stage"`
	Error       string `json:"error"`
}

// Summary is the webhook payload.
type Summary struct {
	RunID        string         `json:"runId"`
	ComputerName string         `json:"computerName"`
	StartedAt    time.Time      `json:"startedAt"`
	FinishedAt   time.Time      `json:"finishedAt"`
	DryRun       bool           `json:"dryRun,omitempty"`
	Attempted    int            `json:"attempted"`
	Succeeded    int            `json:"succeeded"`
	Failed       int            `json:"failed"`
	Skipped      int            `json:"skipped"`
	Failures     []Failure      `json:"failures,omitempty"`
	Health       []health.Check `json:"health,omitempty"`
	ReportPath   string         `json:"reportPath,omitempty"`
}

// HasFailures reports whether any package or source failed.
func (s Summary) HasFailures() bool {
	if s.Failed > 0 || len(s.Failures) > 0 {
		return true
	}
	for _, c := range s.Health {
		if c.Status == health.Unhealthy || c.Status == health.Degraded {
			return true
		}
	}
	return false
}

// Notifier sends run summaries.
type Notifier struct {
	url           string
	headers       map[string]string
	onlyOnFailure bool
	client        *http.Client
	retry         httputil.RetryConfig
}

// New builds a Notifier from cfg. A nil client uses one with cfg's timeout.
func New(cfg config.NotifyConfig, client *http.Client) (*Notifier, error) {
	if cfg.WebhookURL == "" {
		return nil, ErrNoWebhook
	}
	if client == nil {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	retry := httputil.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries

	return &Notifier{
		url:           cfg.WebhookURL,
		headers:       cfg.Headers,
		onlyOnFailure: cfg.OnlyOnFailure,
		client:        client,
		retry:         retry,
	}, nil
}

// SetRetry overrides the backoff settings.
func (n *Notifier) SetRetry(cfg httputil.RetryConfig) {
	n.retry = cfg
}

// Send posts s unless the notifier only reports failures and s has none.
// It reports whether a request was made.
func (n *Notifier) Send(ctx context.Context, s Summary) (bool, error) {
	if n.onlyOnFailure && !s.HasFailures() {
		log.Debug("skipping notification, run had no failures", logging.KeyRunID, s.RunID)
		return false, nil
	}

	start := time.Now()
	if err := httputil.PostJSON(ctx, n.client, n.url, s, n.headers, n.retry); err != nil {
		log.Warn("webhook notification failed", logging.KeyRunID, s.RunID, logging.KeyError, err.Error())
		return true, err
	}
	log.Info("webhook notification sent",
		logging.KeyRunID, s.RunID,
		"failed", s.Failed,
		logging.KeyDurationMs, time.Since(start).Milliseconds())
	return true, nil
}
