package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var structValidate = validator.New()

var validSources = map[string]bool{
	"store":      true,
	"msstore":    true,
	"winget":     true,
	"chocolatey": true,
	"choco":      true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validHashAlgorithms = map[string]bool{
	"SHA256": true,
	"SHA512": true,
	"SHA1":   true,
	"MD5":    true,
}

// NormalizeHashAlgorithm upper-cases name and drops dashes, so "sha-256"
// becomes "SHA256". It does not check the result.
func NormalizeHashAlgorithm(name string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", ""))
}

var validComparators = map[string]bool{
	"string": true,
	"semver": true,
}

// ReportFormats lists the formats history export and reporting accept.
var ReportFormats = []string{"html", "csv", "json", "text", "yaml", "parquet", "sqlite"}

var validPublishProviders = map[string]bool{
	"local": true,
	"s3":    true,
	"azure": true,
	"gcs":   true,
	"b2":    true,
}

// ValidationResult separates errors that must stop the program from values
// that were clamped or reset to a safe default.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal error was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Err joins the fatal errors, or returns nil.
func (r ValidationResult) Err() error {
	return errors.Join(r.Fatals...)
}

// Validate checks the config and returns all errors found, logging each one.
// Out-of-range numbers are clamped in place.
func (c *Config) Validate() []error {
	result := c.ValidateTiered()
	errs := result.AllErrors()
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}

// ValidateTiered checks the config and classifies every problem.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	fatal := func(format string, args ...any) { r.Fatals = append(r.Fatals, fmt.Errorf(format, args...)) }
	warn := func(format string, args ...any) { r.Warnings = append(r.Warnings, fmt.Errorf(format, args...)) }

	if err := structValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fatal("%s failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
			}
		} else {
			fatal("config validation: %v", err)
		}
	}

	for _, src := range c.Sources {
		if !validSources[strings.ToLower(strings.TrimSpace(src))] {
			fatal("sources: unknown package source %q", src)
		}
	}

	for src, cmp := range c.Differential.Comparators {
		if !validSources[strings.ToLower(src)] {
			fatal("differential.comparators: unknown package source %q", src)
		}
		if !validComparators[strings.ToLower(cmp)] {
			fatal("differential.comparators.%s: %q is not valid (use string or semver)", src, cmp)
		}
	}

	for i, hc := range c.Validation.HealthChecks {
		if hc.Source != "" && !validSources[strings.ToLower(hc.Source)] {
			fatal("validation.health_checks[%d]: unknown package source %q", i, hc.Source)
		}
	}

	if c.Security.HashAlgorithm == "" {
		c.Security.HashAlgorithm = "SHA256"
	} else if !validHashAlgorithms[NormalizeHashAlgorithm(c.Security.HashAlgorithm)] {
		fatal("security.hash_algorithm %q is not valid (use SHA256, SHA512, SHA1 or MD5)", c.Security.HashAlgorithm)
	}
	if c.Security.RequireValidSignature && !c.Security.SignatureCheck {
		warn("security.require_valid_signature has no effect while security.signature_check is false")
	}
	if c.Security.BlockUntrustedPackages && len(c.Security.TrustedPublishers) == 0 {
		warn("security.block_untrusted_packages has no effect without security.trusted_publishers")
	}

	if c.Reporting.Format != "" && !isReportFormat(c.Reporting.Format) {
		fatal("reporting.format %q is not valid (use %s)", c.Reporting.Format, strings.Join(ReportFormats, ", "))
	}

	if c.Publish.Enabled {
		c.validatePublish(fatal)
	}

	if c.Notify.Enabled && c.Notify.WebhookURL == "" {
		fatal("notify.enabled requires notify.webhook_url")
	}

	if c.Preflight.MaintenanceStart != "" || c.Preflight.MaintenanceEnd != "" {
		for name, value := range map[string]string{
			"preflight.maintenance_start": c.Preflight.MaintenanceStart,
			"preflight.maintenance_end":   c.Preflight.MaintenanceEnd,
		} {
			if _, err := time.Parse("15:04", value); err != nil {
				fatal("%s %q is not a valid HH:MM time", name, value)
			}
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error), using info", c.LogLevel)
		c.LogLevel = "info"
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json), using text", c.LogFormat)
		c.LogFormat = "text"
	}

	clamp(&c.LogMaxSizeMB, "log_max_size_mb", 1, 1024, warn)
	clamp(&c.LogMaxBackups, "log_max_backups", 1, 100, warn)
	clamp(&c.History.RetentionDays, "history.retention_days", 1, 3650, warn)
	clamp(&c.Reporting.Days, "reporting.days", 1, 3650, warn)
	clamp(&c.Timeouts.ScanSeconds, "timeouts.scan_seconds", 5, 3600, warn)
	clamp(&c.Timeouts.InstallSeconds, "timeouts.install_seconds", 30, 7200, warn)
	clamp(&c.Timeouts.QuerySeconds, "timeouts.query_seconds", 5, 3600, warn)
	clamp(&c.Timeouts.HealthCheckSeconds, "timeouts.health_check_seconds", 1, 3600, warn)
	clamp(&c.Bootstrap.PollIntervalSeconds, "bootstrap.poll_interval_seconds", 1, 60, warn)
	clamp(&c.Bootstrap.MaxWaitSeconds, "bootstrap.max_wait_seconds", c.Bootstrap.PollIntervalSeconds, 3600, warn)
	clamp(&c.Notify.TimeoutSeconds, "notify.timeout_seconds", 1, 120, warn)
	clamp(&c.Notify.MaxRetries, "notify.max_retries", 0, 10, warn)

	return r
}

func (c *Config) validatePublish(fatal func(string, ...any)) {
	provider := strings.ToLower(c.Publish.Provider)
	if !validPublishProviders[provider] {
		fatal("publish.provider %q is not valid (use local, s3, azure, gcs or b2)", c.Publish.Provider)
		return
	}
	switch provider {
	case "local":
		if c.Publish.Local.Path == "" {
			fatal("publish.local.path is required for the local provider")
		}
	case "s3":
		if c.Publish.S3.Bucket == "" {
			fatal("publish.s3.bucket is required for the s3 provider")
		}
	case "azure":
		if c.Publish.Azure.Container == "" {
			fatal("publish.azure.container is required for the azure provider")
		}
		if c.Publish.Azure.ConnectionString == "" && c.Publish.Azure.AccountURL == "" {
			fatal("publish.azure needs connection_string or account_url")
		}
	case "gcs":
		if c.Publish.GCS.Bucket == "" {
			fatal("publish.gcs.bucket is required for the gcs provider")
		}
	case "b2":
		if c.Publish.B2.Bucket == "" || c.Publish.B2.AccountID == "" || c.Publish.B2.ApplicationKey == "" {
			fatal("publish.b2 needs account_id, application_key and bucket")
		}
	}
}

func isReportFormat(format string) bool {
	for _, f := range ReportFormats {
		if strings.EqualFold(f, format) {
			return true
		}
	}
	return false
}

func clamp(v *int, name string, lo, hi int, warn func(string, ...any)) {
	if *v < lo {
		warn("%s %d is below minimum %d, clamping", name, *v, lo)
		*v = lo
	} else if *v > hi {
		warn("%s %d exceeds maximum %d, clamping", name, *v, hi)
		*v = hi
	}
}
