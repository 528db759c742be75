package security

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/winpatch/internal/config"
	"github.com/breeze-rmm/winpatch/internal/docstore"
	"github.com/breeze-rmm/winpatch/internal/patching"
)

type fakeSource struct {
	id        patching.Source
	paths     map[string]string
	digest    string
	digestErr error
	verdict   patching.SignatureVerdict
	sigErr    error
	algos     []string
}

func (f *fakeSource) ID() patching.Source { return f.id }
func (f *fakeSource) Name() string        { return string(f.id) }
func (f *fakeSource) ListAvailableUpgrades(context.Context) ([]patching.Upgrade, error) {
	return nil, nil
}
func (f *fakeSource) GetInstalledVersion(context.Context, string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeSource) Upgrade(context.Context, string) (patching.InstallResult, error) {
	return patching.InstallResult{}, nil
}
func (f *fakeSource) Install(context.Context, string, string) (patching.InstallResult, error) {
	return patching.InstallResult{}, nil
}
func (f *fakeSource) Uninstall(context.Context, string) error { return nil }
func (f *fakeSource) FindExecutablePath(_ context.Context, name string) (string, bool) {
	p, ok := f.paths[name]
	return p, ok
}
func (f *fakeSource) ComputeFileDigest(_ string, algorithm string) (string, error) {
	f.algos = append(f.algos, algorithm)
	return f.digest, f.digestErr
}
func (f *fakeSource) GetSignatureVerdict(context.Context, string) (patching.SignatureVerdict, error) {
	return f.verdict, f.sigErr
}

func signedSource(publisher string) *fakeSource {
	return &fakeSource{
		id:      patching.SourceWinget,
		paths:   map[string]string{"Git.Git": `C:\Program Files\Git\git.exe`},
		digest:  "ABC123",
		verdict: patching.SignatureVerdict{Valid: true, Publisher: publisher, Status: patching.SignatureValid},
	}
}

func allChecks() Options {
	return Options{Enabled: true, HashCheck: true, SaveHashDatabase: true, SignatureCheck: true}
}

func newHashStore(t *testing.T) *HashStore {
	t.Helper()
	return OpenHashStore(filepath.Join(t.TempDir(), "hashes.json"), func() time.Time {
		return time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	})
}

func req() Request {
	return Request{PackageName: "Git.Git", Source: patching.SourceWinget, Version: "2.45.0"}
}

func TestValidateDisabled(t *testing.T) {
	res := New(Options{}, nil).Validate(context.Background(), signedSource("x"), req())
	assert.True(t, res.Success)
	assert.Equal(t, MethodSkipped, res.Method)
}

func TestValidatePathNotFoundShortCircuits(t *testing.T) {
	src := signedSource("x")
	src.paths = nil
	res := New(allChecks(), nil).Validate(context.Background(), src, req())
	assert.False(t, res.Success)
	assert.Equal(t, MethodPathNotFound, res.Method)
	assert.False(t, res.Hash.Checked)
	assert.False(t, res.Signature.Checked)
	assert.Empty(t, src.algos)
}

func TestValidateSavesHashThenDetectsTampering(t *testing.T) {
	hashes := newHashStore(t)
	v := New(allChecks(), hashes)
	src := signedSource("CN=The Git Development Community")

	first := v.Validate(context.Background(), src, req())
	require.True(t, first.Success, first.Message)
	assert.Equal(t, MethodComplete, first.Method)
	assert.True(t, first.Hash.Saved)
	assert.Equal(t, []string{"SHA256"}, src.algos)

	rec, ok := hashes.Lookup(patching.SourceWinget, "Git.Git")
	require.True(t, ok)
	assert.Equal(t, "ABC123", rec.Hash)
	assert.Equal(t, SHA256, rec.Algorithm)
	assert.Equal(t, "2.45.0", rec.Version)
	assert.Equal(t, `C:\Program Files\Git\git.exe`, rec.FilePath)

	src.digest = "FFFF"
	second := v.Validate(context.Background(), src, req())
	assert.False(t, second.Success)
	assert.Equal(t, MethodHashCheck, second.Method)
	assert.Equal(t, "hash mismatch with stored value", second.Message)
	assert.True(t, second.Signature.Checked, "signature sub-result is still attached")

	rec, _ = hashes.Lookup(patching.SourceWinget, "Git.Git")
	assert.Equal(t, "ABC123", rec.Hash, "a mismatching hash is not saved")
}

func TestValidateSameHashRefreshesTimestamp(t *testing.T) {
	clock := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	hashes := OpenHashStore(filepath.Join(t.TempDir(), "hashes.json"), func() time.Time { return clock })
	v := New(allChecks(), hashes)
	src := signedSource("Git")

	first := v.Validate(context.Background(), src, req())
	require.True(t, first.Success, first.Message)
	before, ok := hashes.Lookup(patching.SourceWinget, "Git.Git")
	require.True(t, ok)

	clock = clock.Add(36 * time.Hour)
	second := v.Validate(context.Background(), src, req())
	require.True(t, second.Success, second.Message)
	assert.True(t, second.Hash.Match)
	assert.Equal(t, "ABC123", second.Hash.StoredHash)
	assert.True(t, second.Hash.Saved)

	after, ok := hashes.Lookup(patching.SourceWinget, "Git.Git")
	require.True(t, ok)
	assert.Equal(t, before.Hash, after.Hash)
	beforeAt, ok := docstore.ParseTime(before.Timestamp)
	require.True(t, ok)
	afterAt, ok := docstore.ParseTime(after.Timestamp)
	require.True(t, ok)
	assert.True(t, afterAt.After(beforeAt), "timestamp %s should advance past %s", after.Timestamp, before.Timestamp)
}

func TestValidateNewVersionReplacesStoredHash(t *testing.T) {
	hashes := newHashStore(t)
	v := New(allChecks(), hashes)
	src := signedSource("Git")
	require.True(t, v.Validate(context.Background(), src, req()).Success)

	src.digest = "NEW"
	next := req()
	next.Version = "2.46.0"
	res := v.Validate(context.Background(), src, next)
	assert.True(t, res.Success, res.Message)

	rec, _ := hashes.Lookup(patching.SourceWinget, "Git.Git")
	assert.Equal(t, "NEW", rec.Hash)
	assert.Len(t, hashes.Load().Packages, 1, "single entry per key")
}

func TestValidateExpectedHash(t *testing.T) {
	v := New(Options{Enabled: true, HashCheck: true}, nil)
	r := req()
	r.ExpectedHash = "abc123"
	res := v.Validate(context.Background(), signedSource("Git"), r)
	assert.True(t, res.Success)
	assert.True(t, res.Hash.Match)

	r.ExpectedHash = "000"
	res = v.Validate(context.Background(), signedSource("Git"), r)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "hash mismatch")
}

func TestValidateDigestError(t *testing.T) {
	src := signedSource("Git")
	src.digestErr = errors.New("access denied")
	res := New(Options{Enabled: true, HashCheck: true}, nil).Validate(context.Background(), src, req())
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "access denied")
}

func TestSignatureVerdicts(t *testing.T) {
	tests := []struct {
		name        string
		opts        Options
		verdict     patching.SignatureVerdict
		wantSuccess bool
		wantPassed  bool
		wantReason  string
	}{
		{
			name:        "valid trusted",
			opts:        Options{Enabled: true, SignatureCheck: true, TrustedPublishers: []string{"mozilla"}},
			verdict:     patching.SignatureVerdict{Valid: true, Publisher: "Mozilla Corporation", Status: "Valid"},
			wantSuccess: true,
			wantPassed:  true,
		},
		{
			name:        "unsigned is a warning by default",
			opts:        Options{Enabled: true, SignatureCheck: true},
			verdict:     patching.SignatureVerdict{Status: patching.SignatureNotSigned},
			wantSuccess: true,
			wantReason:  ReasonUnsigned,
		},
		{
			name:       "unsigned fails when required",
			opts:       Options{Enabled: true, SignatureCheck: true, RequireValidSignature: true},
			verdict:    patching.SignatureVerdict{Status: patching.SignatureNotSigned},
			wantReason: ReasonUnsigned,
		},
		{
			name:       "hash mismatch",
			opts:       Options{Enabled: true, SignatureCheck: true, RequireValidSignature: true},
			verdict:    patching.SignatureVerdict{Status: patching.SignatureHashMismatch},
			wantReason: ReasonHashMismatch,
		},
		{
			name:       "untrusted certificate",
			opts:       Options{Enabled: true, SignatureCheck: true, RequireValidSignature: true},
			verdict:    patching.SignatureVerdict{Status: patching.SignatureNotTrusted},
			wantReason: ReasonUntrustedCert,
		},
		{
			name:        "untrusted publisher warns without blocking",
			opts:        Options{Enabled: true, SignatureCheck: true, TrustedPublishers: []string{"Microsoft"}},
			verdict:     patching.SignatureVerdict{Valid: true, Publisher: "Evil Corp", Status: "Valid"},
			wantSuccess: true,
			wantReason:  ReasonUntrustedPublisher + ": Evil Corp",
		},
		{
			name:       "untrusted publisher blocked",
			opts:       Options{Enabled: true, SignatureCheck: true, BlockUntrustedPackages: true, TrustedPublishers: []string{"Microsoft"}},
			verdict:    patching.SignatureVerdict{Valid: true, Publisher: "Evil Corp", Status: "Valid"},
			wantReason: ReasonUntrustedPublisher + ": Evil Corp",
		},
		{
			name:        "block untrusted does not block unsigned",
			opts:        Options{Enabled: true, SignatureCheck: true, BlockUntrustedPackages: true, TrustedPublishers: []string{"Microsoft"}},
			verdict:     patching.SignatureVerdict{Status: patching.SignatureNotSigned},
			wantSuccess: true,
			wantReason:  ReasonUnsigned,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := signedSource("")
			src.verdict = tt.verdict
			res := New(tt.opts, nil).Validate(context.Background(), src, req())
			assert.Equal(t, tt.wantSuccess, res.Success, res.Message)
			assert.Equal(t, tt.wantPassed, res.Signature.Passed)
			assert.Equal(t, tt.wantReason, res.Signature.Reason)
			assert.True(t, res.Signature.Checked)
			assert.False(t, res.Hash.Checked)
		})
	}
}

func TestSignatureLookupError(t *testing.T) {
	src := signedSource("Git")
	src.sigErr = errors.New("powershell missing")
	res := New(Options{Enabled: true, SignatureCheck: true, RequireValidSignature: true}, nil).Validate(context.Background(), src, req())
	assert.False(t, res.Success)
	assert.Equal(t, patching.SignatureUnknownError, res.Signature.Status)
	assert.Equal(t, MethodSignature, res.Method)
}

func TestHashDatabaseLayout(t *testing.T) {
	hashes := newHashStore(t)
	require.NoError(t, hashes.Save(HashRecord{PackageName: "7zip", Source: patching.SourceChocolatey, Hash: "AA", Algorithm: SHA512}))

	data, err := os.ReadFile(hashes.Path())
	require.NoError(t, err)
	for _, key := range []string{`"CreatedAt"`, `"LastUpdated"`, `"Packages"`, `"Chocolatey/7zip"`, `"Algorithm": "SHA512"`, `"Timestamp": "2026-07-01T00:00:00Z"`} {
		assert.Contains(t, string(data), key)
	}
}

func TestStoredHashOtherAlgorithmIsNotCompared(t *testing.T) {
	hashes := newHashStore(t)
	require.NoError(t, hashes.Save(HashRecord{PackageName: "Git.Git", Source: patching.SourceWinget, Hash: "OLD", Algorithm: MD5}))

	opts := allChecks()
	opts.SignatureCheck = false
	res := New(opts, hashes).Validate(context.Background(), signedSource("Git"), Request{PackageName: "Git.Git", Source: patching.SourceWinget})
	assert.True(t, res.Success, res.Message)
}

func TestParseAlgorithm(t *testing.T) {
	for in, want := range map[string]Algorithm{"": SHA256, "sha-512": SHA512, "md5": MD5, "SHA1": SHA1} {
		got, err := ParseAlgorithm(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseAlgorithm("crc32")
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Security.HashAlgorithm = "sha512"
	cfg.Security.TrustedPublishers = []string{"Microsoft Corporation"}
	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, SHA512, opts.Algorithm)
	assert.True(t, opts.HashCheck)
	assert.Equal(t, []string{"Microsoft Corporation"}, opts.TrustedPublishers)
}

func TestConfigValidationAgreesWithParseAlgorithm(t *testing.T) {
	for _, name := range []string{"sha-256", "Sha-512", " sha1 ", "MD5", "crc32", "sha_256"} {
		cfg := config.Default()
		cfg.Security.HashAlgorithm = name
		_, parseErr := ParseAlgorithm(name)
		assert.Equal(t, parseErr != nil, cfg.ValidateTiered().HasFatals(), name)
	}
}
