package patching

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

// winget exit codes that are expected outcomes rather than failures.
const (
	wingetNoPackageFound      uint32 = 0x8A150014
	wingetUpdateNotApplicable uint32 = 0x8A15002B
)

// validPackageID matches identifiers accepted by winget, the Store catalog and
// Chocolatey (e.g. "Mozilla.Firefox", "9NBLGGH4NNS1", "googlechrome").
var validPackageID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._\-+]{0,255}$`)

// WingetSource drives the Windows Package Manager CLI. With a catalog set it
// is restricted to that winget source (the Store source uses "msstore").
type WingetSource struct {
	inspector
	id       Source
	catalog  string
	timeouts Timeouts
}

// NewWingetSource creates the winget community-repository source.
func NewWingetSource(exec ExecFunc, timeouts Timeouts) *WingetSource {
	return newWingetSource(SourceWinget, "winget", exec, timeouts)
}

func newWingetSource(id Source, catalog string, exec ExecFunc, timeouts Timeouts) *WingetSource {
	timeouts = timeouts.withDefaults()
	return &WingetSource{
		inspector: inspector{exec: exec, timeout: timeouts.Query, locator: DefaultLocator()},
		id:        id,
		catalog:   catalog,
		timeouts:  timeouts,
	}
}

// ID returns the source identifier.
func (w *WingetSource) ID() Source {
	return w.id
}

// Name returns the human-readable source name.
func (w *WingetSource) Name() string {
	return "winget (Windows Package Manager)"
}

func (w *WingetSource) args(verb string, extra ...string) []string {
	args := []string{verb}
	args = append(args, extra...)
	if w.catalog != "" {
		args = append(args, "--source", w.catalog)
	}
	return append(args, "--accept-source-agreements", "--disable-interactivity")
}

// ListAvailableUpgrades returns installed packages that have a newer version.
func (w *WingetSource) ListAvailableUpgrades(ctx context.Context) ([]Upgrade, error) {
	stdout, stderr, exitCode, err := w.exec(ctx, "winget", w.args("upgrade", "--include-unknown"), w.timeouts.Scan)
	if err != nil {
		return nil, fmt.Errorf("winget upgrade failed: %w", err)
	}
	// winget exits non-zero for some "nothing to do" cases while still printing a table.
	if exitCode != 0 && strings.TrimSpace(stdout) == "" {
		return nil, &CommandError{Source: w.id, Op: "upgrade scan", ExitCode: exitCode, Output: strings.TrimSpace(stderr)}
	}

	return parseWingetUpgradeOutput(stdout), nil
}

// GetInstalledVersion returns the installed version of an exact package ID.
func (w *WingetSource) GetInstalledVersion(ctx context.Context, name string) (string, bool, error) {
	if !validPackageID.MatchString(name) {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidPackageID, name)
	}

	stdout, stderr, exitCode, err := w.exec(ctx, "winget", w.args("list", "--id", name, "--exact"), w.timeouts.Query)
	if err != nil {
		return "", false, fmt.Errorf("winget list failed: %w", err)
	}
	if uint32(exitCode) == wingetNoPackageFound || strings.Contains(stdout, "No installed package found") {
		return "", false, nil
	}
	if exitCode != 0 && strings.TrimSpace(stdout) == "" {
		return "", false, &CommandError{Source: w.id, Op: "list", Package: name, ExitCode: exitCode, Output: strings.TrimSpace(stderr)}
	}

	for _, pkg := range parseWingetListOutput(stdout) {
		if strings.EqualFold(pkg.ID, name) {
			return pkg.Version, true, nil
		}
	}
	return "", false, nil
}

// Upgrade upgrades a package to the latest available version.
func (w *WingetSource) Upgrade(ctx context.Context, name string) (InstallResult, error) {
	if !validPackageID.MatchString(name) {
		return InstallResult{}, fmt.Errorf("%w: %q", ErrInvalidPackageID, name)
	}

	stdout, stderr, exitCode, err := w.exec(ctx, "winget", w.args("upgrade",
		"--exact",
		"--id", name,
		"--silent",
		"--accept-package-agreements",
	), w.timeouts.Install)
	if err != nil {
		return InstallResult{}, fmt.Errorf("winget upgrade %s failed: %w", name, err)
	}
	return w.result("upgrade", name, "", stdout, stderr, exitCode)
}

// Install installs a package, pinned to version when one is given. Used for
// rollback, so an installed newer version is replaced.
func (w *WingetSource) Install(ctx context.Context, name, version string) (InstallResult, error) {
	if !validPackageID.MatchString(name) {
		return InstallResult{}, fmt.Errorf("%w: %q", ErrInvalidPackageID, name)
	}

	extra := []string{"--exact", "--id", name}
	if version != "" {
		extra = append(extra, "--version", version, "--force")
	}
	extra = append(extra, "--silent", "--accept-package-agreements")

	stdout, stderr, exitCode, err := w.exec(ctx, "winget", w.args("install", extra...), w.timeouts.Install)
	if err != nil {
		return InstallResult{}, fmt.Errorf("winget install %s failed: %w", name, err)
	}
	return w.result("install", name, version, stdout, stderr, exitCode)
}

// Uninstall removes a package by exact ID.
func (w *WingetSource) Uninstall(ctx context.Context, name string) error {
	if !validPackageID.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidPackageID, name)
	}

	stdout, stderr, exitCode, err := w.exec(ctx, "winget", w.args("uninstall", "--exact", "--id", name, "--silent"), w.timeouts.Install)
	if err != nil {
		return fmt.Errorf("winget uninstall %s failed: %w", name, err)
	}
	if exitCode != 0 {
		return &CommandError{Source: w.id, Op: "uninstall", Package: name, ExitCode: exitCode, Output: combineOutput(stdout, stderr)}
	}
	return nil
}

// FindExecutablePath locates the main executable of an installed package.
func (w *WingetSource) FindExecutablePath(ctx context.Context, name string) (string, bool) {
	var hints []string
	if validPackageID.MatchString(name) {
		stdout, _, exitCode, err := w.exec(ctx, "winget", w.args("show", "--id", name, "--exact"), w.timeouts.Query)
		if err == nil && exitCode == 0 {
			if loc := parseInstallLocation(stdout); loc != "" {
				hints = append(hints, loc)
			}
		}
	}
	return w.locator.Find(name, hints...)
}

func (w *WingetSource) result(op, name, version, stdout, stderr string, exitCode int) (InstallResult, error) {
	combined := combineOutput(stdout, stderr)
	if exitCode != 0 {
		msg := combined
		if uint32(exitCode) == wingetUpdateNotApplicable {
			msg = "no applicable upgrade found"
		}
		return InstallResult{}, &CommandError{Source: w.id, Op: op, Package: name, ExitCode: exitCode, Output: msg}
	}

	result := InstallResult{
		PackageID: name,
		Source:    w.id,
		Version:   version,
		ExitCode:  exitCode,
		Output:    combined,
	}
	lower := strings.ToLower(combined)
	if strings.Contains(lower, "restart") || strings.Contains(lower, "reboot") {
		result.RebootRequired = true
	}
	return result, nil
}

func combineOutput(stdout, stderr string) string {
	return strings.TrimSpace(stdout + "\n" + stderr)
}

// parseInstallLocation pulls an install directory out of `winget show` or
// `choco info` style "Key: Value" output.
func parseInstallLocation(output string) string {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(key), " ", "")) {
		case "installlocation", "installedlocation", "installationlocation", "installpath":
			if v := strings.TrimSpace(value); v != "" {
				return v
			}
		}
	}
	return ""
}

// parseWingetUpgradeOutput parses `winget upgrade` table output.
//
//	Name            Id                  Version   Available  Source
//	---------------------------------------------------------------
//	Mozilla Firefox Mozilla.Firefox     128.0     129.0      winget
func parseWingetUpgradeOutput(output string) []Upgrade {
	cols := findColumnBoundaries(output)
	if cols == nil || cols.available < 0 {
		return nil
	}

	var upgrades []Upgrade
	scanner := bufio.NewScanner(strings.NewReader(output))
	pastSeparator := false

	for scanner.Scan() {
		line := trimProgress(scanner.Text())

		if !pastSeparator {
			if isSeparatorLine(line) {
				pastSeparator = true
			}
			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		// Footer lines: "3 upgrades available.", explicit-upgrade notices, etc.
		if strings.Contains(line, " upgrades available") || strings.Contains(line, " upgrade available") {
			continue
		}
		if strings.Contains(line, "No installed package") || strings.Contains(line, "No applicable update") {
			continue
		}

		name, id, version, available := extractUpgradeColumns(line, cols)
		if id == "" || !validPackageID.MatchString(id) {
			continue
		}

		upgrades = append(upgrades, Upgrade{
			Name:             name,
			ID:               id,
			Version:          version,
			AvailableVersion: available,
		})
	}

	return upgrades
}

type installedPackage struct {
	Name    string
	ID      string
	Version string
}

// parseWingetListOutput parses `winget list` table output.
//
//	Name            Id                  Version   Source
//	----------------------------------------------------
//	Mozilla Firefox Mozilla.Firefox     128.0     winget
func parseWingetListOutput(output string) []installedPackage {
	cols := findColumnBoundaries(output)
	if cols == nil {
		return nil
	}

	var installed []installedPackage
	scanner := bufio.NewScanner(strings.NewReader(output))
	pastSeparator := false

	for scanner.Scan() {
		line := trimProgress(scanner.Text())

		if !pastSeparator {
			if isSeparatorLine(line) {
				pastSeparator = true
			}
			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		var name, id, version string
		if cols.available > 0 {
			name, id, version, _ = extractUpgradeColumns(line, cols)
		} else {
			name, id, version = extractListColumns(line, cols)
		}
		if id == "" || !validPackageID.MatchString(id) {
			continue
		}

		installed = append(installed, installedPackage{Name: name, ID: id, Version: version})
	}

	return installed
}

// trimProgress drops the spinner/progress prefix winget writes before the
// table when stdout is not a console ("\r   - \r" sequences).
func trimProgress(line string) string {
	if idx := strings.LastIndex(line, "\r"); idx >= 0 {
		return line[idx+1:]
	}
	return line
}

// columnPositions holds the display columns where known winget table columns start.
type columnPositions struct {
	name      int
	id        int
	version   int
	available int // -1 if not present (list output)
}

// findColumnBoundaries finds column start positions from the header line.
func findColumnBoundaries(output string) *columnPositions {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := trimProgress(scanner.Text())

		nameIdx := strings.Index(line, "Name")
		idIdx := strings.Index(line, "Id")
		versionIdx := strings.Index(line, "Version")
		if nameIdx == -1 || idIdx == -1 || versionIdx == -1 {
			continue
		}
		if idIdx <= nameIdx || versionIdx <= idIdx {
			continue
		}

		at := func(idx int) int { return displayWidth(line[:idx]) }
		cols := &columnPositions{
			name:      at(nameIdx),
			id:        at(idIdx),
			version:   at(versionIdx),
			available: -1,
		}

		if availIdx := strings.Index(line, "Available"); availIdx > versionIdx {
			cols.available = at(availIdx)
		}

		return cols
	}
	return nil
}

// isSeparatorLine checks if a line is a winget table separator (all dashes/spaces).
func isSeparatorLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 10 {
		return false
	}
	for _, ch := range trimmed {
		if ch != '-' && ch != ' ' {
			return false
		}
	}
	return true
}

// extractUpgradeColumns extracts Name, Id, Version, Available from a data row.
func extractUpgradeColumns(line string, cols *columnPositions) (name, id, version, available string) {
	if displayWidth(line) <= cols.id {
		return
	}
	name = columnText(line, cols.name, cols.id)
	id = columnText(line, cols.id, cols.version)
	version = columnText(line, cols.version, cols.available)
	available = stripSourceColumn(columnText(line, cols.available, -1))
	return
}

// extractListColumns extracts Name, Id, Version from a data row.
func extractListColumns(line string, cols *columnPositions) (name, id, version string) {
	if displayWidth(line) <= cols.id {
		return
	}
	name = columnText(line, cols.name, cols.id)
	id = columnText(line, cols.id, cols.version)
	version = stripSourceColumn(columnText(line, cols.version, -1))
	return
}

// stripSourceColumn removes a trailing source name ("winget", "msstore")
// that shares the last column with a version.
func stripSourceColumn(value string) string {
	spaceIdx := strings.LastIndex(value, " ")
	if spaceIdx <= 0 {
		return value
	}
	tail := strings.TrimSpace(value[spaceIdx:])
	if strings.ContainsAny(tail, ".0123456789") {
		return value
	}
	return strings.TrimSpace(value[:spaceIdx])
}

// cells measures terminal columns. winget pads rows by display width and
// truncates names with "…", so byte offsets from the header do not line up
// with rows holding non-ASCII text.
var cells = func() *runewidth.Condition {
	c := runewidth.NewCondition()
	c.EastAsianWidth = false
	return c
}()

func displayWidth(s string) int { return cells.StringWidth(s) }

// columnText returns the trimmed text between display columns start and end.
// A negative end runs to the end of the line.
func columnText(s string, start, end int) string {
	if start < 0 {
		start = 0
	}
	from, to := -1, len(s)
	col := 0
	for i, r := range s {
		if from < 0 && col >= start {
			from = i
		}
		if end >= 0 && col >= end {
			to = i
			break
		}
		col += cells.RuneWidth(r)
	}
	if from < 0 || from >= to {
		return ""
	}
	return strings.TrimSpace(s[from:to])
}
