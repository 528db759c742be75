package patching

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChocolateyListUpgradesSkipsPinned(t *testing.T) {
	output := "Chocolatey v2.2.2\n" +
		"git|2.43.0|2.44.0|false\n" +
		"nodejs|20.10.0|20.11.1|true\n" +
		"7zip|23.1.0|24.7.0|false\n"

	src := NewChocolateySource(mockExec(output, "", 2, nil), Timeouts{})
	upgrades, err := src.ListAvailableUpgrades(context.Background())
	require.NoError(t, err)
	require.Len(t, upgrades, 2)
	assert.Equal(t, Upgrade{Name: "git", ID: "git", Version: "2.43.0", AvailableVersion: "2.44.0"}, upgrades[0])
	assert.Equal(t, "7zip", upgrades[1].ID)
}

func TestChocolateyListUpgradesFailure(t *testing.T) {
	src := NewChocolateySource(mockExec("", "boom", 1, nil), Timeouts{})
	_, err := src.ListAvailableUpgrades(context.Background())
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, SourceChocolatey, cmdErr.Source)
}

func TestChocolateyGetInstalledVersionFallsBack(t *testing.T) {
	calls := 0
	exec := func(ctx context.Context, name string, args []string, _ time.Duration) (string, string, int, error) {
		calls++
		if hasArg(args, "--localonly") {
			return "", "Invalid argument --localonly", 1, nil
		}
		return "git|2.44.0\n", "", 0, nil
	}

	src := NewChocolateySource(exec, Timeouts{})
	version, found, err := src.GetInstalledVersion(context.Background(), "Git")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "2.44.0", version)
	assert.Equal(t, 2, calls)
}

func TestChocolateyGetInstalledVersionMissing(t *testing.T) {
	src := NewChocolateySource(mockExec("", "", 0, nil), Timeouts{})
	version, found, err := src.GetInstalledVersion(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, version)
}

func TestChocolateyUpgradeRebootExitCode(t *testing.T) {
	src := NewChocolateySource(mockExec("upgraded 1/1", "", 3010, nil), Timeouts{})
	result, err := src.Upgrade(context.Background(), "git")
	require.NoError(t, err)
	assert.True(t, result.RebootRequired)
	assert.Equal(t, 3010, result.ExitCode)
}

func TestChocolateyInstallAllowsDowngrade(t *testing.T) {
	rec := &recordingExec{replies: map[string]execReply{"install": {}}}
	src := NewChocolateySource(rec.exec, Timeouts{})

	_, err := src.Install(context.Background(), "git", "2.40.0")
	require.NoError(t, err)
	args := rec.calls[0]
	assert.True(t, hasArgPair(args, "--version", "2.40.0"))
	assert.True(t, hasArg(args, "--allow-downgrade"))
}

func TestChocolateyUninstallFailure(t *testing.T) {
	src := NewChocolateySource(mockExec("", "not installed", 1, nil), Timeouts{})
	err := src.Uninstall(context.Background(), "git")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git")
}
