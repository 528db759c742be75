package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (WINPATCH_HISTORY_RETENTION_DAYS=30).
const EnvPrefix = "WINPATCH"

// FileName is the default configuration file name.
const FileName = "winpatch.yaml"

type Config struct {
	DataDir       string `mapstructure:"data_dir"`
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	AuditEnabled  bool   `mapstructure:"audit_enabled"`

	Sources      []string           `mapstructure:"sources" validate:"min=1,dive,required"`
	Differential DifferentialConfig `mapstructure:"differential"`
	History      HistoryConfig      `mapstructure:"history"`
	Priority     PriorityConfig     `mapstructure:"priority"`
	Validation   ValidationConfig   `mapstructure:"validation"`
	Security     SecurityConfig     `mapstructure:"security"`
	Preflight    PreflightConfig    `mapstructure:"preflight"`
	Reporting    ReportingConfig    `mapstructure:"reporting"`
	Publish      PublishConfig      `mapstructure:"publish"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Bootstrap    BootstrapConfig    `mapstructure:"bootstrap"`
	Timeouts     TimeoutsConfig     `mapstructure:"timeouts"`
}

type DifferentialConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	CacheFile string `mapstructure:"cache_file"`
	// Comparators maps a source name to "string" or "semver".
	Comparators map[string]string `mapstructure:"comparators"`
}

type HistoryConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	File          string `mapstructure:"file"`
	RetentionDays int    `mapstructure:"retention_days"`
	AutoPrune     bool   `mapstructure:"auto_prune"`
}

type PriorityConfig struct {
	File string `mapstructure:"file"`
}

// HealthCheck is a post-update check for one package. Command is an argv
// vector, never a shell string.
type HealthCheck struct {
	Package string   `mapstructure:"package" validate:"required"`
	Source  string   `mapstructure:"source" validate:"required"`
	Command []string `mapstructure:"command" validate:"min=1,dive,required"`
}

type ValidationConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	VerifyVersionChange bool          `mapstructure:"verify_version_change"`
	HealthChecksEnabled bool          `mapstructure:"health_checks_enabled"`
	HealthChecks        []HealthCheck `mapstructure:"health_checks" validate:"dive"`
}

type SecurityConfig struct {
	Enabled                bool     `mapstructure:"enabled"`
	HashCheck              bool     `mapstructure:"hash_check"`
	HashAlgorithm          string   `mapstructure:"hash_algorithm"`
	SaveHashDatabase       bool     `mapstructure:"save_hash_database"`
	HashDatabaseFile       string   `mapstructure:"hash_database_file"`
	SignatureCheck         bool     `mapstructure:"signature_check"`
	RequireValidSignature  bool     `mapstructure:"require_valid_signature"`
	BlockUntrustedPackages bool     `mapstructure:"block_untrusted_packages"`
	TrustedPublishers      []string `mapstructure:"trusted_publishers"`
}

type PreflightConfig struct {
	Enabled              bool     `mapstructure:"enabled"`
	MinDiskSpaceGB       float64  `mapstructure:"min_disk_space_gb" validate:"gte=0"`
	CheckServices        bool     `mapstructure:"check_services"`
	Services             []string `mapstructure:"services"`
	MaintenanceStart     string   `mapstructure:"maintenance_start"`
	MaintenanceEnd       string   `mapstructure:"maintenance_end"`
	MaintenanceDays      []string `mapstructure:"maintenance_days"`
	CreateRestorePoint   bool     `mapstructure:"create_restore_point"`
	RequireRestorePoint  bool     `mapstructure:"require_restore_point"`
	WarnRunningProcesses bool     `mapstructure:"warn_running_processes"`
}

type ReportingConfig struct {
	// Enabled writes a report after every update run.
	Enabled   bool   `mapstructure:"enabled"`
	Format    string `mapstructure:"format"`
	Directory string `mapstructure:"directory"`
	Days      int    `mapstructure:"days"`
}

type PublishConfig struct {
	Enabled  bool               `mapstructure:"enabled"`
	Provider string             `mapstructure:"provider"`
	Prefix   string             `mapstructure:"prefix"`
	Local    LocalPublishConfig `mapstructure:"local"`
	S3       S3PublishConfig    `mapstructure:"s3"`
	Azure    AzurePublishConfig `mapstructure:"azure"`
	GCS      GCSPublishConfig   `mapstructure:"gcs"`
	B2       B2PublishConfig    `mapstructure:"b2"`
}

type LocalPublishConfig struct {
	Path string `mapstructure:"path"`
}

type S3PublishConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type AzurePublishConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	AccountURL       string `mapstructure:"account_url"`
	Container        string `mapstructure:"container"`
}

type GCSPublishConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type B2PublishConfig struct {
	AccountID      string `mapstructure:"account_id"`
	ApplicationKey string `mapstructure:"application_key"`
	Bucket         string `mapstructure:"bucket"`
}

type NotifyConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	WebhookURL     string            `mapstructure:"webhook_url" validate:"omitempty,url"`
	OnlyOnFailure  bool              `mapstructure:"only_on_failure"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	MaxRetries     int               `mapstructure:"max_retries"`
	Headers        map[string]string `mapstructure:"headers"`
}

type MetricsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	TextfilePath string `mapstructure:"textfile_path"`
}

type BootstrapConfig struct {
	AutoInstall             bool   `mapstructure:"auto_install"`
	FailOnMissingDependency bool   `mapstructure:"fail_on_missing_dependency"`
	PollIntervalSeconds     int    `mapstructure:"poll_interval_seconds"`
	MaxWaitSeconds          int    `mapstructure:"max_wait_seconds"`
	ChocolateyInstallURL    string `mapstructure:"chocolatey_install_url" validate:"omitempty,url"`
}

type TimeoutsConfig struct {
	ScanSeconds        int `mapstructure:"scan_seconds"`
	InstallSeconds     int `mapstructure:"install_seconds"`
	QuerySeconds       int `mapstructure:"query_seconds"`
	HealthCheckSeconds int `mapstructure:"health_check_seconds"`
}

func Default() *Config {
	return &Config{
		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  10,
		LogMaxBackups: 5,
		AuditEnabled:  true,
		Sources:       []string{"Store", "Winget", "Chocolatey"},
		Differential: DifferentialConfig{
			Enabled:     true,
			Comparators: map[string]string{},
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 90,
			AutoPrune:     true,
		},
		Validation: ValidationConfig{
			Enabled:             true,
			VerifyVersionChange: true,
		},
		Security: SecurityConfig{
			Enabled:          true,
			HashCheck:        true,
			HashAlgorithm:    "SHA256",
			SaveHashDatabase: true,
			SignatureCheck:   true,
		},
		Preflight: PreflightConfig{
			Enabled:              true,
			MinDiskSpaceGB:       2,
			CheckServices:        true,
			Services:             []string{"InstallService"},
			CreateRestorePoint:   true,
			WarnRunningProcesses: true,
		},
		Reporting: ReportingConfig{
			Format: "html",
			Days:   30,
		},
		Publish: PublishConfig{
			Provider: "local",
			Prefix:   "winpatch",
		},
		Notify: NotifyConfig{
			TimeoutSeconds: 10,
			MaxRetries:     3,
		},
		Bootstrap: BootstrapConfig{
			PollIntervalSeconds:  5,
			MaxWaitSeconds:       300,
			ChocolateyInstallURL: "https://community.chocolatey.org/install.ps1",
		},
		Timeouts: TimeoutsConfig{
			ScanSeconds:        120,
			InstallSeconds:     600,
			QuerySeconds:       60,
			HealthCheckSeconds: 60,
		},
	}
}

// Load reads cfgFile (or winpatch.yaml from the config search path), applies
// WINPATCH_* environment overrides and rejects unknown keys. A missing
// default file yields Default().
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := newViper(cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// UsedConfigFile returns the file Load would read, or "" when none exists.
func UsedConfigFile(cfgFile string) string {
	if cfgFile != "" {
		return cfgFile
	}
	for _, dir := range []string{configDir(), "."} {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	for key, value := range settings(cfg) {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	for key, value := range settings(cfg) {
		v.Set(key, value)
	}

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), FileName)
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Owner-only: the file may hold storage credentials and webhook secrets.
	return os.Chmod(cfgPath, 0600)
}

// settings flattens cfg into viper keys.
func settings(cfg *Config) map[string]any {
	return map[string]any{
		"data_dir":        cfg.DataDir,
		"log_level":       cfg.LogLevel,
		"log_format":      cfg.LogFormat,
		"log_file":        cfg.LogFile,
		"log_max_size_mb": cfg.LogMaxSizeMB,
		"log_max_backups": cfg.LogMaxBackups,
		"audit_enabled":   cfg.AuditEnabled,
		"sources":         cfg.Sources,

		"differential.enabled":     cfg.Differential.Enabled,
		"differential.cache_file":  cfg.Differential.CacheFile,
		"differential.comparators": cfg.Differential.Comparators,

		"history.enabled":        cfg.History.Enabled,
		"history.file":           cfg.History.File,
		"history.retention_days": cfg.History.RetentionDays,
		"history.auto_prune":     cfg.History.AutoPrune,

		"priority.file": cfg.Priority.File,

		"validation.enabled":               cfg.Validation.Enabled,
		"validation.verify_version_change": cfg.Validation.VerifyVersionChange,
		"validation.health_checks_enabled": cfg.Validation.HealthChecksEnabled,
		"validation.health_checks":         healthCheckSettings(cfg.Validation.HealthChecks),

		"security.enabled":                  cfg.Security.Enabled,
		"security.hash_check":               cfg.Security.HashCheck,
		"security.hash_algorithm":           cfg.Security.HashAlgorithm,
		"security.save_hash_database":       cfg.Security.SaveHashDatabase,
		"security.hash_database_file":       cfg.Security.HashDatabaseFile,
		"security.signature_check":          cfg.Security.SignatureCheck,
		"security.require_valid_signature":  cfg.Security.RequireValidSignature,
		"security.block_untrusted_packages": cfg.Security.BlockUntrustedPackages,
		"security.trusted_publishers":       cfg.Security.TrustedPublishers,

		"preflight.enabled":                cfg.Preflight.Enabled,
		"preflight.min_disk_space_gb":      cfg.Preflight.MinDiskSpaceGB,
		"preflight.check_services":         cfg.Preflight.CheckServices,
		"preflight.services":               cfg.Preflight.Services,
		"preflight.maintenance_start":      cfg.Preflight.MaintenanceStart,
		"preflight.maintenance_end":        cfg.Preflight.MaintenanceEnd,
		"preflight.maintenance_days":       cfg.Preflight.MaintenanceDays,
		"preflight.create_restore_point":   cfg.Preflight.CreateRestorePoint,
		"preflight.require_restore_point":  cfg.Preflight.RequireRestorePoint,
		"preflight.warn_running_processes": cfg.Preflight.WarnRunningProcesses,

		"reporting.enabled":   cfg.Reporting.Enabled,
		"reporting.format":    cfg.Reporting.Format,
		"reporting.directory": cfg.Reporting.Directory,
		"reporting.days":      cfg.Reporting.Days,

		"publish.enabled":                 cfg.Publish.Enabled,
		"publish.provider":                cfg.Publish.Provider,
		"publish.prefix":                  cfg.Publish.Prefix,
		"publish.local.path":              cfg.Publish.Local.Path,
		"publish.s3.bucket":               cfg.Publish.S3.Bucket,
		"publish.s3.region":               cfg.Publish.S3.Region,
		"publish.s3.endpoint":             cfg.Publish.S3.Endpoint,
		"publish.s3.access_key_id":        cfg.Publish.S3.AccessKeyID,
		"publish.s3.secret_access_key":    cfg.Publish.S3.SecretAccessKey,
		"publish.azure.connection_string": cfg.Publish.Azure.ConnectionString,
		"publish.azure.account_url":       cfg.Publish.Azure.AccountURL,
		"publish.azure.container":         cfg.Publish.Azure.Container,
		"publish.gcs.bucket":              cfg.Publish.GCS.Bucket,
		"publish.gcs.credentials_file":    cfg.Publish.GCS.CredentialsFile,
		"publish.b2.account_id":           cfg.Publish.B2.AccountID,
		"publish.b2.application_key":      cfg.Publish.B2.ApplicationKey,
		"publish.b2.bucket":               cfg.Publish.B2.Bucket,

		"notify.enabled":         cfg.Notify.Enabled,
		"notify.webhook_url":     cfg.Notify.WebhookURL,
		"notify.only_on_failure": cfg.Notify.OnlyOnFailure,
		"notify.timeout_seconds": cfg.Notify.TimeoutSeconds,
		"notify.max_retries":     cfg.Notify.MaxRetries,
		"notify.headers":         cfg.Notify.Headers,

		"metrics.enabled":       cfg.Metrics.Enabled,
		"metrics.textfile_path": cfg.Metrics.TextfilePath,

		"bootstrap.auto_install":               cfg.Bootstrap.AutoInstall,
		"bootstrap.fail_on_missing_dependency": cfg.Bootstrap.FailOnMissingDependency,
		"bootstrap.poll_interval_seconds":      cfg.Bootstrap.PollIntervalSeconds,
		"bootstrap.max_wait_seconds":           cfg.Bootstrap.MaxWaitSeconds,
		"bootstrap.chocolatey_install_url":     cfg.Bootstrap.ChocolateyInstallURL,

		"timeouts.scan_seconds":         cfg.Timeouts.ScanSeconds,
		"timeouts.install_seconds":      cfg.Timeouts.InstallSeconds,
		"timeouts.query_seconds":        cfg.Timeouts.QuerySeconds,
		"timeouts.health_check_seconds": cfg.Timeouts.HealthCheckSeconds,
	}
}

func healthCheckSettings(checks []HealthCheck) []map[string]any {
	out := make([]map[string]any, 0, len(checks))
	for _, hc := range checks {
		out = append(out, map[string]any{
			"package": hc.Package,
			"source":  hc.Source,
			"command": hc.Command,
		})
	}
	return out
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(programData(), "winpatch")
	default:
		return "/etc/winpatch"
	}
}

func programData() string {
	if v := os.Getenv("ProgramData"); v != "" {
		return v
	}
	return `C:\ProgramData`
}

// GetDataDir returns the platform default state directory.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(programData(), "winpatch", "data")
	default:
		return "/var/lib/winpatch"
	}
}

// DataPath returns the configured data directory, falling back to GetDataDir.
func (c *Config) DataPath() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return GetDataDir()
}

func (c *Config) resolve(path, name string) string {
	if path == "" {
		return filepath.Join(c.DataPath(), name)
	}
	if !filepath.IsAbs(path) {
		return filepath.Join(c.DataPath(), path)
	}
	return path
}

// CachePath is the version cache document.
func (c *Config) CachePath() string { return c.resolve(c.Differential.CacheFile, "cache.json") }

// HistoryPath is the history ledger document.
func (c *Config) HistoryPath() string { return c.resolve(c.History.File, "history.json") }

// PriorityPath is the priority configuration document.
func (c *Config) PriorityPath() string { return c.resolve(c.Priority.File, "priority.json") }

// HashDatabasePath is the security hash database document.
func (c *Config) HashDatabasePath() string {
	return c.resolve(c.Security.HashDatabaseFile, "hashes.json")
}

// AuditPath is the audit trail.
func (c *Config) AuditPath() string { return filepath.Join(c.DataPath(), "audit.jsonl") }

// ReportDir is where generated reports land.
func (c *Config) ReportDir() string { return c.resolve(c.Reporting.Directory, "reports") }

// MetricsPath is the Prometheus textfile.
func (c *Config) MetricsPath() string { return c.resolve(c.Metrics.TextfilePath, "winpatch.prom") }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ScanTimeout bounds upgrade listing.
func (c *Config) ScanTimeout() time.Duration { return seconds(c.Timeouts.ScanSeconds) }

// InstallTimeout bounds upgrade, install and uninstall.
func (c *Config) InstallTimeout() time.Duration { return seconds(c.Timeouts.InstallSeconds) }

// QueryTimeout bounds version and signature lookups.
func (c *Config) QueryTimeout() time.Duration { return seconds(c.Timeouts.QuerySeconds) }

// HealthCheckTimeout bounds each health-check command.
func (c *Config) HealthCheckTimeout() time.Duration { return seconds(c.Timeouts.HealthCheckSeconds) }

// NotifyTimeout bounds each webhook request.
func (c *Config) NotifyTimeout() time.Duration { return seconds(c.Notify.TimeoutSeconds) }

// secretKeys are masked by Settings when redact is set.
var secretKeys = []string{
	"publish.s3.secret_access_key",
	"publish.azure.connection_string",
	"publish.b2.application_key",
	"notify.headers",
}

// Settings returns cfg as the nested key tree written by Save.
func (c *Config) Settings(redact bool) map[string]any {
	v := viper.New()
	for key, value := range settings(c) {
		v.Set(key, value)
	}
	if redact {
		for _, key := range secretKeys {
			if s, ok := v.Get(key).(string); ok && s == "" {
				continue
			}
			if m, ok := v.Get(key).(map[string]string); ok && len(m) == 0 {
				continue
			}
			v.Set(key, "********")
		}
	}
	return v.AllSettings()
}

// DefaultFile is where Save writes when no file is named.
func DefaultFile() string { return filepath.Join(configDir(), FileName) }
