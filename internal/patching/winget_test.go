package patching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// mockExec returns an ExecFunc that returns the given stdout/stderr/exitCode.
func mockExec(stdout, stderr string, exitCode int, err error) ExecFunc {
	return func(ctx context.Context, name string, args []string, timeout time.Duration) (string, string, int, error) {
		return stdout, stderr, exitCode, err
	}
}

// recordingExec captures every invocation and answers from a script keyed by verb.
type recordingExec struct {
	calls   [][]string
	replies map[string]execReply
}

type execReply struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

func (r *recordingExec) exec(ctx context.Context, name string, args []string, timeout time.Duration) (string, string, int, error) {
	call := append([]string{name}, args...)
	r.calls = append(r.calls, call)
	verb := ""
	if len(args) > 0 {
		verb = args[0]
	}
	reply := r.replies[verb]
	return reply.stdout, reply.stderr, reply.exitCode, reply.err
}

func hasArgPair(args []string, flag, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

func hasArg(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// --- ListAvailableUpgrades (winget upgrade) parsing ---

func TestWingetListUpgradesParsesOutput(t *testing.T) {
	output := `Name                         Id                          Version      Available    Source
-----------------------------------------------------------------------------------------------
Mozilla Firefox              Mozilla.Firefox             128.0        129.0.1      winget
Google Chrome                Google.Chrome               126.0.6478   127.0.6533   winget
7-Zip                        7zip.7zip                   23.01        24.07        winget
3 upgrades available.
`

	src := NewWingetSource(mockExec(output, "", 0, nil), Timeouts{})
	upgrades, err := src.ListAvailableUpgrades(context.Background())
	if err != nil {
		t.Fatalf("ListAvailableUpgrades failed: %v", err)
	}

	if len(upgrades) != 3 {
		t.Fatalf("expected 3 upgrades, got %d", len(upgrades))
	}

	want := Upgrade{Name: "Mozilla Firefox", ID: "Mozilla.Firefox", Version: "128.0", AvailableVersion: "129.0.1"}
	if upgrades[0] != want {
		t.Errorf("upgrades[0] = %+v, want %+v", upgrades[0], want)
	}
	if upgrades[2].ID != "7zip.7zip" || upgrades[2].AvailableVersion != "24.07" {
		t.Errorf("upgrades[2] = %+v", upgrades[2])
	}
	if upgrades[1].Key() != "Google.Chrome" {
		t.Errorf("Key() = %q, want Google.Chrome", upgrades[1].Key())
	}
}

func TestWingetListUpgradesNoUpgrades(t *testing.T) {
	output := `Name   Id   Version   Available   Source
-----------------------------------------
No installed package found matching input criteria.
`

	src := NewWingetSource(mockExec(output, "", 0, nil), Timeouts{})
	upgrades, err := src.ListAvailableUpgrades(context.Background())
	if err != nil {
		t.Fatalf("ListAvailableUpgrades failed: %v", err)
	}
	if len(upgrades) != 0 {
		t.Errorf("expected 0 upgrades, got %d", len(upgrades))
	}
}

func TestWingetListUpgradesExecError(t *testing.T) {
	src := NewWingetSource(mockExec("", "", -1, fmt.Errorf("executable file not found")), Timeouts{})
	_, err := src.ListAvailableUpgrades(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := err.Error(); got != "winget upgrade failed: executable file not found" {
		t.Errorf("error = %q", got)
	}
}

func TestWingetListUpgradesEmptyOutputWithError(t *testing.T) {
	src := NewWingetSource(mockExec("", "winget: command not found", 127, nil), Timeouts{})
	_, err := src.ListAvailableUpgrades(context.Background())
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 127 {
		t.Errorf("ExitCode = %d, want 127", cmdErr.ExitCode)
	}
}

func TestStoreSourceUsesMsstoreCatalog(t *testing.T) {
	rec := &recordingExec{replies: map[string]execReply{}}
	src := NewStoreSource(rec.exec, Timeouts{})
	triggered := false
	src.triggerScan = func(context.Context) error {
		triggered = true
		return errors.New("access denied")
	}

	if _, err := src.ListAvailableUpgrades(context.Background()); err != nil {
		t.Fatalf("ListAvailableUpgrades failed: %v", err)
	}
	if !triggered {
		t.Error("expected store scan trigger to run")
	}
	if len(rec.calls) != 1 || !hasArgPair(rec.calls[0], "--source", "msstore") {
		t.Fatalf("expected msstore source argument, got %v", rec.calls)
	}
	if src.ID() != SourceStore {
		t.Errorf("ID() = %q, want Store", src.ID())
	}
}

// --- GetInstalledVersion (winget list) ---

func TestWingetGetInstalledVersion(t *testing.T) {
	output := `Name                          Id                          Version     Available   Source
------------------------------------------------------------------------------------------
Mozilla Firefox               Mozilla.Firefox             128.0       129.0       winget
`

	src := NewWingetSource(mockExec(output, "", 0, nil), Timeouts{})
	version, found, err := src.GetInstalledVersion(context.Background(), "mozilla.firefox")
	if err != nil {
		t.Fatalf("GetInstalledVersion failed: %v", err)
	}
	if !found || version != "128.0" {
		t.Errorf("got (%q, %v), want (128.0, true)", version, found)
	}
}

func TestWingetGetInstalledVersionNotFound(t *testing.T) {
	exitCode := int(int32(-1978335212)) // 0x8A150014
	src := NewWingetSource(mockExec("No installed package found matching input criteria.", "", exitCode, nil), Timeouts{})
	version, found, err := src.GetInstalledVersion(context.Background(), "Missing.Package")
	if err != nil {
		t.Fatalf("expected no error for missing package, got %v", err)
	}
	if found || version != "" {
		t.Errorf("got (%q, %v), want not found", version, found)
	}
}

func TestParseWingetListOutput(t *testing.T) {
	output := `Name                          Id                          Version     Source
------------------------------------------------------------------------------------------
Mozilla Firefox               Mozilla.Firefox             128.0       winget
Visual Studio Code            Microsoft.VisualStudioCode  1.91.1      winget
Node.js                       OpenJS.NodeJS               20.15.1     winget
`

	installed := parseWingetListOutput(output)
	if len(installed) != 3 {
		t.Fatalf("expected 3 installed, got %d", len(installed))
	}
	if installed[0].ID != "Mozilla.Firefox" || installed[0].Name != "Mozilla Firefox" || installed[0].Version != "128.0" {
		t.Errorf("installed[0] = %+v", installed[0])
	}
	if installed[2].ID != "OpenJS.NodeJS" {
		t.Errorf("installed[2].ID = %q", installed[2].ID)
	}
}

// --- Upgrade / Install ---

func TestWingetUpgradeSuccess(t *testing.T) {
	rec := &recordingExec{replies: map[string]execReply{
		"upgrade": {stdout: "Successfully installed"},
	}}

	src := NewWingetSource(rec.exec, Timeouts{})
	result, err := src.Upgrade(context.Background(), "Mozilla.Firefox")
	if err != nil {
		t.Fatalf("Upgrade failed: %v", err)
	}

	args := rec.calls[0]
	if args[0] != "winget" {
		t.Errorf("command = %q, want winget", args[0])
	}
	if !hasArg(args, "--exact") {
		t.Error("expected --exact flag")
	}
	if !hasArgPair(args, "--id", "Mozilla.Firefox") {
		t.Error("expected --id Mozilla.Firefox")
	}
	if !hasArgPair(args, "--source", "winget") {
		t.Error("expected --source winget")
	}
	if result.PackageID != "Mozilla.Firefox" || result.Source != SourceWinget {
		t.Errorf("result = %+v", result)
	}
}

func TestWingetUpgradeFailure(t *testing.T) {
	src := NewWingetSource(mockExec("", "No package found matching input criteria.", 1, nil), Timeouts{})
	_, err := src.Upgrade(context.Background(), "Nonexistent.Package")
	if err == nil {
		t.Fatal("expected error for failed upgrade")
	}
}

func TestWingetUpgradeRebootDetection(t *testing.T) {
	src := NewWingetSource(mockExec("Successfully installed. A system restart is required.", "", 0, nil), Timeouts{})
	result, err := src.Upgrade(context.Background(), "Some.Package")
	if err != nil {
		t.Fatalf("Upgrade failed: %v", err)
	}
	if !result.RebootRequired {
		t.Error("expected RebootRequired=true when output mentions restart")
	}
}

func TestWingetInstallPinnedVersion(t *testing.T) {
	rec := &recordingExec{replies: map[string]execReply{"install": {}}}
	src := NewWingetSource(rec.exec, Timeouts{})

	result, err := src.Install(context.Background(), "Git.Git", "2.44.0")
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if !hasArgPair(rec.calls[0], "--version", "2.44.0") || !hasArg(rec.calls[0], "--force") {
		t.Errorf("expected pinned version args, got %v", rec.calls[0])
	}
	if result.Version != "2.44.0" {
		t.Errorf("result.Version = %q", result.Version)
	}
}

// --- Package ID validation ---

func TestWingetPackageIDValidation(t *testing.T) {
	src := NewWingetSource(mockExec("", "", 0, nil), Timeouts{})

	tests := []struct {
		id    string
		valid bool
	}{
		{"Mozilla.Firefox", true},
		{"7zip.7zip", true},
		{"Microsoft.VisualStudioCode", true},
		{"9NBLGGH4NNS1", true},
		{"a", true},
		{"", false},
		{"../../../etc/passwd", false},
		{"; rm -rf /", false},
		{"pkg && malicious", false},
		{"valid.id | cat /etc/passwd", false},
		{"a b", false},
	}

	for _, tt := range tests {
		_, err := src.Upgrade(context.Background(), tt.id)
		if tt.valid && errors.Is(err, ErrInvalidPackageID) {
			t.Errorf("ID %q should be valid but was rejected", tt.id)
		}
		if !tt.valid && !errors.Is(err, ErrInvalidPackageID) {
			t.Errorf("ID %q should be invalid but was accepted", tt.id)
		}
	}
}

// --- Table parsing edge cases ---

func TestWingetParseNoHeader(t *testing.T) {
	output := "some random output\nno table here\n"
	if upgrades := parseWingetUpgradeOutput(output); len(upgrades) != 0 {
		t.Errorf("expected 0 upgrades from headerless output, got %d", len(upgrades))
	}
}

func TestWingetParseSeparatorDetection(t *testing.T) {
	if !isSeparatorLine("-----------------------------------------------") {
		t.Error("should detect all-dash line as separator")
	}
	if !isSeparatorLine("---- ---- ---- ----") {
		t.Error("should detect dashes-with-spaces as separator")
	}
	if isSeparatorLine("Name   Id   Version") {
		t.Error("should not detect header line as separator")
	}
	if isSeparatorLine("---") {
		t.Error("should not detect short dash line as separator")
	}
}

func TestWingetParseSkipsProgressPrefix(t *testing.T) {
	output := "\r   - \r   \\ \rName     Id                Version   Available   Source\n" +
		"--------------------------------------------------------\n" +
		"Firefox  Mozilla.Firefox   128.0     129.0       winget\n" +
		"1 upgrades available.\n"

	upgrades := parseWingetUpgradeOutput(output)
	if len(upgrades) != 1 {
		t.Fatalf("expected 1 upgrade, got %d", len(upgrades))
	}
	if upgrades[0].ID != "Mozilla.Firefox" {
		t.Errorf("ID = %q, want %q", upgrades[0].ID, "Mozilla.Firefox")
	}
}

func TestParseInstallLocation(t *testing.T) {
	output := "Found Git [Git.Git]\nVersion: 2.44.0\nInstall Location: C:\\Program Files\\Git\n"
	if got := parseInstallLocation(output); got != `C:\Program Files\Git` {
		t.Errorf("parseInstallLocation = %q", got)
	}
	if got := parseInstallLocation("Version: 1.0\n"); got != "" {
		t.Errorf("expected empty location, got %q", got)
	}
}

// padCells right-pads s with spaces to w terminal columns, the way winget
// lays out its tables.
func padCells(s string, w int) string {
	if n := w - displayWidth(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

func TestWingetParseNonASCIIRows(t *testing.T) {
	header := padCells("Name", 42) + padCells("Id", 29) + padCells("Version", 15) + padCells("Available", 15) + "Source"
	row := func(name, id, version, available string) string {
		return padCells(name, 42) + padCells(id, 29) + padCells(version, 15) + padCells(available, 15) + "winget"
	}

	tests := []struct {
		name    string
		row     string
		id      string
		version string
		avail   string
	}{
		{
			name:    "truncated with ellipsis",
			row:     row("Microsoft Visual C++ 2015-2022 Redistrib…", "Microsoft.VCRedist.2015+.x64", "14.38.33130.0", "14.40.33810.0"),
			id:      "Microsoft.VCRedist.2015+.x64",
			version: "14.38.33130.0",
			avail:   "14.40.33810.0",
		},
		{
			name:    "wide characters",
			row:     row("微信", "Tencent.WeChat", "3.9.10", "3.9.12"),
			id:      "Tencent.WeChat",
			version: "3.9.10",
			avail:   "3.9.12",
		},
		{
			name:    "accented",
			row:     row("Paint.NET Éditeur", "dotPDN.PaintDotNet", "5.0.12", "5.0.13"),
			id:      "dotPDN.PaintDotNet",
			version: "5.0.12",
			avail:   "5.0.13",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := header + "\n" + strings.Repeat("-", 110) + "\n" + tt.row + "\n1 upgrades available.\n"
			upgrades := parseWingetUpgradeOutput(output)
			if len(upgrades) != 1 {
				t.Fatalf("expected 1 upgrade, got %d", len(upgrades))
			}
			u := upgrades[0]
			if u.ID != tt.id || u.Version != tt.version || u.AvailableVersion != tt.avail {
				t.Errorf("got id=%q version=%q available=%q", u.ID, u.Version, u.AvailableVersion)
			}
		})
	}
}

func TestParseWingetListOutputTruncatedName(t *testing.T) {
	output := padCells("Name", 42) + padCells("Id", 29) + padCells("Version", 15) + "Source\n" +
		strings.Repeat("-", 95) + "\n" +
		padCells("Microsoft Visual C++ 2015-2022 Redistrib…", 42) + padCells("Microsoft.VCRedist.2015+.x64", 29) + padCells("14.40.33810.0", 15) + "winget\n"

	installed := parseWingetListOutput(output)
	if len(installed) != 1 {
		t.Fatalf("expected 1 installed, got %d", len(installed))
	}
	if installed[0].ID != "Microsoft.VCRedist.2015+.x64" || installed[0].Version != "14.40.33810.0" {
		t.Errorf("installed[0] = %+v", installed[0])
	}
}
