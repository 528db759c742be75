package config

import (
	"fmt"
	"strings"
	"testing"
)

func containsErr(errs []error, substr string) bool {
	for _, err := range errs {
		if strings.Contains(err.Error(), substr) {
			return true
		}
	}
	return false
}

func TestValidateTieredUnknownSourceIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Sources = []string{"Winget", "scoop"}
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("unknown source should be fatal")
	}
	if !containsErr(result.Fatals, "scoop") {
		t.Fatalf("expected scoop in fatals: %v", result.Fatals)
	}
}

func TestValidateTieredEmptySourcesIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Sources = nil
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("empty sources should be fatal")
	}
}

func TestValidateTieredInvalidHashAlgorithmIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Security.HashAlgorithm = "CRC32"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("invalid hash algorithm should be fatal")
	}
}

func TestValidateTieredAcceptsDashedHashAlgorithm(t *testing.T) {
	for _, name := range []string{"sha-256", "SHA-512", "sha1", "Md5"} {
		cfg := Default()
		cfg.Security.HashAlgorithm = name
		if res := cfg.ValidateTiered(); res.HasFatals() {
			t.Errorf("hash algorithm %q should be accepted, got %v", name, res.Fatals)
		}
	}
}

func TestValidateTieredInvalidComparatorIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Differential.Comparators = map[string]string{"winget": "calver"}
	result := cfg.ValidateTiered()
	if !containsErr(result.Fatals, "calver") {
		t.Fatalf("expected comparator fatal, got %v", result.Fatals)
	}
}

func TestValidateTieredHealthCheckNeedsCommand(t *testing.T) {
	cfg := Default()
	cfg.Validation.HealthChecks = []HealthCheck{{Package: "Git.Git", Source: "Winget"}}
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("health check without command should be fatal")
	}

	cfg.Validation.HealthChecks[0].Command = []string{"git", "--version"}
	if result := cfg.ValidateTiered(); result.HasFatals() {
		t.Fatalf("valid health check reported fatals: %v", result.Fatals)
	}
}

func TestValidateTieredInvalidWebhookURLIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Notify.Enabled = true
	cfg.Notify.WebhookURL = "not a url"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("invalid webhook URL should be fatal")
	}
}

func TestValidateTieredNotifyWithoutURLIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Notify.Enabled = true
	if !containsErr(cfg.ValidateTiered().Fatals, "webhook_url") {
		t.Fatal("expected webhook_url fatal")
	}
}

func TestValidateTieredPublishRequiresBucket(t *testing.T) {
	cfg := Default()
	cfg.Publish.Enabled = true
	cfg.Publish.Provider = "s3"
	if !containsErr(cfg.ValidateTiered().Fatals, "publish.s3.bucket") {
		t.Fatal("expected s3 bucket fatal")
	}

	cfg.Publish.Provider = "ftp"
	if !containsErr(cfg.ValidateTiered().Fatals, "publish.provider") {
		t.Fatal("expected provider fatal")
	}
}

func TestValidateTieredMaintenanceWindowFormat(t *testing.T) {
	cfg := Default()
	cfg.Preflight.MaintenanceStart = "22:00"
	cfg.Preflight.MaintenanceEnd = "6am"
	if !containsErr(cfg.ValidateTiered().Fatals, "maintenance_end") {
		t.Fatal("expected maintenance_end fatal")
	}
}

func TestValidateTieredRetentionClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.History.RetentionDays = 0
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped retention should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped retention")
	}
	if cfg.History.RetentionDays != 1 {
		t.Fatalf("RetentionDays = %d, want 1 (clamped)", cfg.History.RetentionDays)
	}
}

func TestValidateTieredTimeoutClamping(t *testing.T) {
	cfg := Default()
	cfg.Timeouts.ScanSeconds = 0
	cfg.Timeouts.InstallSeconds = 99999
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped timeouts should be warnings: %v", result.Fatals)
	}
	if cfg.Timeouts.ScanSeconds != 5 {
		t.Fatalf("ScanSeconds = %d, want 5", cfg.Timeouts.ScanSeconds)
	}
	if cfg.Timeouts.InstallSeconds != 7200 {
		t.Fatalf("InstallSeconds = %d, want 7200", cfg.Timeouts.InstallSeconds)
	}
}

func TestValidateTieredBootstrapWaitAtLeastInterval(t *testing.T) {
	cfg := Default()
	cfg.Bootstrap.PollIntervalSeconds = 10
	cfg.Bootstrap.MaxWaitSeconds = 3
	cfg.ValidateTiered()
	if cfg.Bootstrap.MaxWaitSeconds != 10 {
		t.Fatalf("MaxWaitSeconds = %d, want 10", cfg.Bootstrap.MaxWaitSeconds)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	if r.Err() != nil {
		t.Fatal("Err() on empty result should be nil")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
	if r.Err() == nil {
		t.Fatal("Err() should be non-nil with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.Sources = []string{"apt"} // fatal
	cfg.LogLevel = "loud"         // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid config has warnings: %v", result.Warnings)
	}
}
