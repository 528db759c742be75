package main

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/winpatch/internal/patching"
	"github.com/breeze-rmm/winpatch/internal/privilege"
)

func TestParseSourceFlagsSplitsAndDedupes(t *testing.T) {
	got, err := parseSourceFlags([]string{"winget,choco", " Store ", "Winget"})
	require.NoError(t, err)
	assert.Equal(t, []patching.Source{patching.SourceWinget, patching.SourceChocolatey, patching.SourceStore}, got)

	_, err = parseSourceFlags([]string{"apt"})
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(errRunFailed))
	assert.Equal(t, 2, exitCode(fmt.Errorf("update: %w", errRunFailed)))
	assert.Equal(t, 1, exitCode(errAborted))
}

func TestVersionCommandSkipsConfig(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "winpatch v"+version+"\n", out.String())
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"update"}, {"scan"}, {"rollback"}, {"bootstrap"}, {"doctor"},
		{"history", "list"}, {"history", "prune"}, {"history", "export"},
		{"cache", "show"}, {"cache", "stats"}, {"cache", "clear"},
		{"priority", "show"}, {"priority", "add"}, {"priority", "remove"}, {"priority", "set-ordering"},
		{"validate", "update"}, {"validate", "security"},
		{"config", "show"}, {"config", "validate"}, {"config", "init"},
	} {
		cmd, rest, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Empty(t, rest, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestElevatedCommandsMatchCommandNames(t *testing.T) {
	for _, c := range []string{updateCmd.Name(), rollbackCmd.Name(), bootstrapCmd.Name()} {
		assert.True(t, privilege.RequiresElevation(c), c)
	}
	assert.False(t, privilege.RequiresElevation(scanCmd.Name()))
}

func TestValidateSecurityHelpExplainsVersionScopedComparison(t *testing.T) {
	assert.Contains(t, validateSecurityCmd.Long, "only when the stored record has\nthe same version")
	assert.Contains(t, validateSecurityCmd.Long, "An update run validates the freshly upgraded version")
	f := validateSecurityCmd.Flags().Lookup("version")
	require.NotNil(t, f)
	assert.Contains(t, f.Usage, "compared only for this version")
}
