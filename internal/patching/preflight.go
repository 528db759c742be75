package patching

import (
	"cmp"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
)

// PreflightOptions selects the checks run before a non-dry-run update.
type PreflightOptions struct {
	CheckServiceHealth bool
	Services           []string // e.g. "InstallService", "wuauserv"
	CheckDiskSpace     bool
	MinDiskSpaceGB     float64
	DiskPath           string // empty = system drive
	CheckMaintWindow   bool
	MaintenanceStart   string   // "HH:MM"
	MaintenanceEnd     string   // "HH:MM"
	MaintenanceDays    []string // ["monday", ...] empty=all
	Now                func() time.Time
}

// PreflightResult is the combined outcome. Warnings never fail a run.
type PreflightResult struct {
	OK       bool
	Checks   []PreflightCheck
	Warnings []string
}

// PreflightCheck is one check.
type PreflightCheck struct {
	Name    string
	Passed  bool
	Message string
}

// RunPreflight runs the enabled checks. OK is false when any check failed.
func RunPreflight(opts PreflightOptions) PreflightResult {
	var (
		checks   []PreflightCheck
		warnings []string
	)
	if opts.CheckServiceHealth {
		for _, name := range opts.Services {
			checks = append(checks, checkServiceHealth(name))
		}
	}
	if opts.CheckDiskSpace {
		path := cmp.Or(opts.DiskPath, systemDiskPath())
		check, free := checkDiskSpace(path, opts.MinDiskSpaceGB)
		checks = append(checks, check)
		if check.Passed && free < 2*opts.MinDiskSpaceGB {
			warnings = append(warnings, fmt.Sprintf("low disk space: %.1f GB free on %s", free, path))
		}
	}
	if opts.CheckMaintWindow {
		now := time.Now()
		if opts.Now != nil {
			now = opts.Now()
		}
		checks = append(checks, checkMaintenanceWindow(opts.MaintenanceStart, opts.MaintenanceEnd, opts.MaintenanceDays, now))
	}

	return PreflightResult{
		OK:       !slices.ContainsFunc(checks, func(c PreflightCheck) bool { return !c.Passed }),
		Checks:   checks,
		Warnings: warnings,
	}
}

// FirstError returns the first failed check as *ErrPreflightFailed.
func (r PreflightResult) FirstError() error {
	for _, check := range r.Checks {
		if !check.Passed {
			return &ErrPreflightFailed{Check: check.Name, Message: check.Message}
		}
	}
	return nil
}

const gib = 1 << 30

// checkDiskSpace fails when the volume holding path has less than minGB free.
// It also returns the free space in GB.
func checkDiskSpace(path string, minGB float64) (PreflightCheck, float64) {
	usage, err := disk.Usage(path)
	if err != nil {
		return PreflightCheck{Name: "disk_space", Message: fmt.Sprintf("disk usage of %s: %v", path, err)}, 0
	}
	free := float64(usage.Free) / gib
	return PreflightCheck{
		Name:    "disk_space",
		Passed:  free >= minGB,
		Message: fmt.Sprintf("%.1f GB free on %s (minimum %.1f GB)", free, path, minGB),
	}, free
}

// minuteOfDay parses "HH:MM".
func minuteOfDay(clock string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(clock))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// inWindow reports whether minute m lies in [start, end). A start after end
// wraps past midnight.
func inWindow(m, start, end int) bool {
	if start <= end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// checkMaintenanceWindow fails outside the configured days and time window.
func checkMaintenanceWindow(startStr, endStr string, days []string, now time.Time) PreflightCheck {
	check := PreflightCheck{Name: "maintenance_window"}

	start, err := minuteOfDay(startStr)
	if err != nil {
		check.Message = fmt.Sprintf("invalid maintenance start %q: %v", startStr, err)
		return check
	}
	end, err := minuteOfDay(endStr)
	if err != nil {
		check.Message = fmt.Sprintf("invalid maintenance end %q: %v", endStr, err)
		return check
	}

	today := strings.ToLower(now.Weekday().String())
	if len(days) > 0 && !slices.ContainsFunc(days, func(d string) bool {
		return strings.EqualFold(strings.TrimSpace(d), today)
	}) {
		check.Message = fmt.Sprintf("%s is not a maintenance day (%s)", today, strings.Join(days, ", "))
		return check
	}

	if !inWindow(now.Hour()*60+now.Minute(), start, end) {
		check.Message = fmt.Sprintf("%s is outside the maintenance window %s-%s", now.Format("15:04"), startStr, endStr)
		return check
	}
	check.Passed = true
	check.Message = fmt.Sprintf("inside the maintenance window %s-%s", startStr, endStr)
	return check
}

// RunningProcesses returns the running executables whose name starts with
// the package's executable prefix. Used to warn before upgrading an app that
// is in use.
func RunningProcesses(packageName string) []string {
	prefix := executablePrefix(packageName)
	if prefix == "" {
		return nil
	}

	procs, err := process.Processes()
	if err != nil {
		log.Debug("process enumeration failed", "error", err.Error())
		return nil
	}

	var matches []string
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name == "" || slices.Contains(matches, name) {
			continue
		}
		if strings.HasPrefix(normalizeName(strings.TrimSuffix(name, filepath.Ext(name))), prefix) {
			matches = append(matches, name)
		}
	}
	return matches
}
