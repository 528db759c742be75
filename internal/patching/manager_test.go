package patching

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	id       Source
	upgrades []Upgrade
	scanErr  error
}

func (f *fakeSource) ID() Source   { return f.id }
func (f *fakeSource) Name() string { return string(f.id) }
func (f *fakeSource) ListAvailableUpgrades(context.Context) ([]Upgrade, error) {
	return f.upgrades, f.scanErr
}
func (f *fakeSource) GetInstalledVersion(context.Context, string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeSource) Upgrade(_ context.Context, name string) (InstallResult, error) {
	return InstallResult{PackageID: name, Source: f.id}, nil
}
func (f *fakeSource) Install(_ context.Context, name, version string) (InstallResult, error) {
	return InstallResult{PackageID: name, Source: f.id, Version: version}, nil
}
func (f *fakeSource) Uninstall(context.Context, string) error                   { return nil }
func (f *fakeSource) FindExecutablePath(context.Context, string) (string, bool) { return "", false }
func (f *fakeSource) ComputeFileDigest(string, string) (string, error)          { return "", nil }
func (f *fakeSource) GetSignatureVerdict(context.Context, string) (SignatureVerdict, error) {
	return SignatureVerdict{}, nil
}

func TestManagerScanAllJoinsErrors(t *testing.T) {
	winget := &fakeSource{id: SourceWinget, upgrades: []Upgrade{{ID: "Git.Git"}}}
	choco := &fakeSource{id: SourceChocolatey, scanErr: errors.New("choco exploded")}

	mgr := NewManager(winget, choco)
	results, err := mgr.ScanAll(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Chocolatey scan failed"))
	assert.Len(t, results[SourceWinget], 1)
	_, ok := results[SourceChocolatey]
	assert.False(t, ok)
}

func TestManagerRegisterReplacesSameID(t *testing.T) {
	mgr := NewManager()
	assert.Empty(t, mgr.IDs())

	first := &fakeSource{id: SourceWinget}
	second := &fakeSource{id: SourceWinget}
	mgr.Register(first)
	mgr.Register(second)

	require.Equal(t, []Source{SourceWinget}, mgr.IDs())
	got, ok := mgr.Get(SourceWinget)
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestManagerSelect(t *testing.T) {
	mgr := NewManager(&fakeSource{id: SourceWinget}, &fakeSource{id: SourceStore})

	all, err := mgr.Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	some, err := mgr.Select([]Source{SourceChocolatey, SourceStore})
	require.Error(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, SourceStore, some[0].ID())
}

func TestNewDefaultManagerRegistersEnabled(t *testing.T) {
	mgr := NewDefaultManager(mockExec("", "", 0, nil), Timeouts{}, []Source{SourceChocolatey, SourceWinget})
	assert.Equal(t, []Source{SourceChocolatey, SourceWinget}, mgr.IDs())
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		in   string
		want Source
	}{
		{"winget", SourceWinget},
		{"WINGET", SourceWinget},
		{"choco", SourceChocolatey},
		{"Chocolatey", SourceChocolatey},
		{"msstore", SourceStore},
		{" store ", SourceStore},
	}
	for _, tt := range tests {
		got, err := ParseSource(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseSource("apt")
	assert.Error(t, err)

	var s Source
	require.NoError(t, s.UnmarshalText([]byte("winget")))
	assert.Equal(t, SourceWinget, s)
	assert.Error(t, s.UnmarshalText([]byte("scoop")))
	assert.False(t, Source("winget").Valid())
	assert.True(t, SourceWinget.Valid())
}

func TestParseSourcesDedupes(t *testing.T) {
	got, err := ParseSources([]string{"winget", "Winget", "choco"})
	require.NoError(t, err)
	assert.Equal(t, []Source{SourceWinget, SourceChocolatey}, got)
}

func TestCheckDependency(t *testing.T) {
	orig := LookPath
	defer func() { LookPath = orig }()

	LookPath = func(file string) (string, error) {
		if file == "choco" {
			return "", errors.New("not found")
		}
		return `C:\winget.exe`, nil
	}

	assert.NoError(t, CheckDependency(SourceWinget))
	err := CheckDependency(SourceChocolatey)
	var missing *ErrDependencyMissing
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "choco", missing.Command)
}
