package patching

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Chocolatey exit codes that mean success with a pending reboot.
const (
	chocoRebootInitiated = 1641
	chocoRebootRequired  = 3010
)

// ChocolateySource drives the choco CLI.
type ChocolateySource struct {
	inspector
	timeouts Timeouts
}

// NewChocolateySource creates a new ChocolateySource.
func NewChocolateySource(exec ExecFunc, timeouts Timeouts) *ChocolateySource {
	timeouts = timeouts.withDefaults()
	return &ChocolateySource{
		inspector: inspector{exec: exec, timeout: timeouts.Query, locator: DefaultLocator()},
		timeouts:  timeouts,
	}
}

// ID returns the source identifier.
func (c *ChocolateySource) ID() Source {
	return SourceChocolatey
}

// Name returns the human-readable source name.
func (c *ChocolateySource) Name() string {
	return "Chocolatey"
}

// ListAvailableUpgrades returns outdated packages, skipping pinned ones.
func (c *ChocolateySource) ListAvailableUpgrades(ctx context.Context) ([]Upgrade, error) {
	stdout, stderr, exitCode, err := c.exec(ctx, "choco", []string{"outdated", "-r", "--ignore-unfound"}, c.timeouts.Scan)
	if err != nil {
		return nil, fmt.Errorf("choco outdated failed: %w", err)
	}
	// choco outdated exits 2 when outdated packages exist.
	if exitCode != 0 && exitCode != 2 {
		return nil, &CommandError{Source: SourceChocolatey, Op: "outdated", ExitCode: exitCode, Output: combineOutput(stdout, stderr)}
	}
	return parseChocoOutdated(stdout), nil
}

// GetInstalledVersion returns the locally installed version of a package.
func (c *ChocolateySource) GetInstalledVersion(ctx context.Context, name string) (string, bool, error) {
	if !validPackageID.MatchString(name) {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidPackageID, name)
	}

	// Chocolatey v1 searches the remote feed unless --localonly is given; v2
	// rejects that flag and lists local packages by default.
	stdout, _, exitCode, err := c.exec(ctx, "choco", []string{"list", name, "--exact", "--localonly", "-r"}, c.timeouts.Query)
	if err != nil {
		return "", false, fmt.Errorf("choco list failed: %w", err)
	}
	if exitCode != 0 {
		var stderr string
		stdout, stderr, exitCode, err = c.exec(ctx, "choco", []string{"list", name, "--exact", "-r"}, c.timeouts.Query)
		if err != nil {
			return "", false, fmt.Errorf("choco list failed: %w", err)
		}
		if exitCode != 0 {
			return "", false, &CommandError{Source: SourceChocolatey, Op: "list", Package: name, ExitCode: exitCode, Output: combineOutput(stdout, stderr)}
		}
	}

	for _, line := range pipeLines(stdout) {
		if len(line) >= 2 && strings.EqualFold(line[0], name) {
			return line[1], true, nil
		}
	}
	return "", false, nil
}

// Upgrade upgrades a package to the latest version.
func (c *ChocolateySource) Upgrade(ctx context.Context, name string) (InstallResult, error) {
	if !validPackageID.MatchString(name) {
		return InstallResult{}, fmt.Errorf("%w: %q", ErrInvalidPackageID, name)
	}

	stdout, stderr, exitCode, err := c.exec(ctx, "choco", []string{"upgrade", name, "-y", "--no-progress"}, c.timeouts.Install)
	if err != nil {
		return InstallResult{}, fmt.Errorf("choco upgrade %s failed: %w", name, err)
	}
	return c.result("upgrade", name, "", stdout, stderr, exitCode)
}

// Install installs a package, pinned to version when one is given. A pinned
// install allows downgrades so it can roll a package back.
func (c *ChocolateySource) Install(ctx context.Context, name, version string) (InstallResult, error) {
	if !validPackageID.MatchString(name) {
		return InstallResult{}, fmt.Errorf("%w: %q", ErrInvalidPackageID, name)
	}

	args := []string{"install", name, "-y", "--no-progress"}
	if version != "" {
		args = append(args, "--version", version, "--allow-downgrade", "--force")
	}
	stdout, stderr, exitCode, err := c.exec(ctx, "choco", args, c.timeouts.Install)
	if err != nil {
		return InstallResult{}, fmt.Errorf("choco install %s failed: %w", name, err)
	}
	return c.result("install", name, version, stdout, stderr, exitCode)
}

// Uninstall removes a package.
func (c *ChocolateySource) Uninstall(ctx context.Context, name string) error {
	if !validPackageID.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidPackageID, name)
	}

	stdout, stderr, exitCode, err := c.exec(ctx, "choco", []string{"uninstall", name, "-y"}, c.timeouts.Install)
	if err != nil {
		return fmt.Errorf("choco uninstall %s failed: %w", name, err)
	}
	if exitCode != 0 && exitCode != chocoRebootInitiated && exitCode != chocoRebootRequired {
		return &CommandError{Source: SourceChocolatey, Op: "uninstall", Package: name, ExitCode: exitCode, Output: combineOutput(stdout, stderr)}
	}
	return nil
}

// FindExecutablePath checks the package's lib and shim folders before the
// generic search.
func (c *ChocolateySource) FindExecutablePath(ctx context.Context, name string) (string, bool) {
	root := chocolateyRoot()
	hints := []string{
		filepath.Join(root, "lib", name, "tools"),
		filepath.Join(root, "lib", name),
	}
	if validPackageID.MatchString(name) {
		stdout, _, exitCode, err := c.exec(ctx, "choco", []string{"info", name, "--local-only"}, c.timeouts.Query)
		if err == nil && exitCode == 0 {
			if loc := parseInstallLocation(stdout); loc != "" {
				hints = append([]string{loc}, hints...)
			}
		}
	}
	return c.locator.Find(name, hints...)
}

func (c *ChocolateySource) result(op, name, version, stdout, stderr string, exitCode int) (InstallResult, error) {
	combined := combineOutput(stdout, stderr)
	switch exitCode {
	case 0, chocoRebootInitiated, chocoRebootRequired:
	default:
		return InstallResult{}, &CommandError{Source: SourceChocolatey, Op: op, Package: name, ExitCode: exitCode, Output: combined}
	}

	return InstallResult{
		PackageID:      name,
		Source:         SourceChocolatey,
		Version:        version,
		ExitCode:       exitCode,
		Output:         combined,
		RebootRequired: exitCode != 0,
	}, nil
}

// parseChocoOutdated parses `choco outdated -r` lines: name|current|available|pinned.
func parseChocoOutdated(output string) []Upgrade {
	upgrades := []Upgrade{}
	for _, parts := range pipeLines(output) {
		if len(parts) < 3 || !validPackageID.MatchString(parts[0]) {
			continue
		}
		if len(parts) >= 4 && strings.EqualFold(parts[3], "true") {
			continue
		}
		upgrades = append(upgrades, Upgrade{
			Name:             parts[0],
			ID:               parts[0],
			Version:          parts[1],
			AvailableVersion: parts[2],
		})
	}
	return upgrades
}

func pipeLines(output string) [][]string {
	var rows [][]string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.Contains(line, "|") {
			continue
		}
		parts := strings.Split(line, "|")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		rows = append(rows, parts)
	}
	return rows
}
