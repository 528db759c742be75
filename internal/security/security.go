// Package security checks the integrity and publisher of an updated
// package's executable.
package security

import (
	"context"
	"fmt"
	"strings"

	"github.com/breeze-rmm/winpatch/internal/config"
	"github.com/breeze-rmm/winpatch/internal/logging"
	"github.com/breeze-rmm/winpatch/internal/patching"
)

var log = logging.L("security")

// Algorithm is a file digest algorithm.
type Algorithm string

const (
	SHA256 Algorithm = "SHA256"
	SHA512 Algorithm = "SHA512"
	SHA1   Algorithm = "SHA1"
	MD5    Algorithm = "MD5"
)

// ParseAlgorithm accepts an algorithm name case-insensitively, with or
// without a dash ("sha-256"). Empty means SHA256.
func ParseAlgorithm(s string) (Algorithm, error) {
	v := config.NormalizeHashAlgorithm(s)
	switch Algorithm(v) {
	case "":
		return SHA256, nil
	case SHA256, SHA512, SHA1, MD5:
		return Algorithm(v), nil
	}
	return "", fmt.Errorf("unknown hash algorithm %q (want SHA256, SHA512, SHA1 or MD5)", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(b []byte) error {
	parsed, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Method records how far validation got.
type Method string

const (
	MethodSkipped      Method = "Skipped"
	MethodPathNotFound Method = "PathNotFound"
	MethodHashCheck    Method = "HashCheck"
	MethodSignature    Method = "SignatureCheck"
	MethodComplete     Method = "Complete"
)

// Signature failure reasons.
const (
	ReasonUnsigned           = "File is not signed"
	ReasonHashMismatch       = "Signature hash mismatch"
	ReasonUntrustedCert      = "Certificate is not trusted"
	ReasonUntrustedPublisher = "Publisher is not in the trusted list"
	ReasonUnknown            = "Signature could not be verified"
)

const msgStoredMismatch = "hash mismatch with stored value"

// Options controls which checks run.
type Options struct {
	Enabled                bool
	HashCheck              bool
	Algorithm              Algorithm
	SaveHashDatabase       bool
	SignatureCheck         bool
	RequireValidSignature  bool
	BlockUntrustedPackages bool
	TrustedPublishers      []string
}

// OptionsFromConfig builds Options from the security section.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	alg, err := ParseAlgorithm(cfg.Security.HashAlgorithm)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Enabled:                cfg.Security.Enabled,
		HashCheck:              cfg.Security.HashCheck,
		Algorithm:              alg,
		SaveHashDatabase:       cfg.Security.SaveHashDatabase,
		SignatureCheck:         cfg.Security.SignatureCheck,
		RequireValidSignature:  cfg.Security.RequireValidSignature,
		BlockUntrustedPackages: cfg.Security.BlockUntrustedPackages,
		TrustedPublishers:      cfg.Security.TrustedPublishers,
	}, nil
}

// Request asks for one package to be validated. Version and ExpectedHash are
// optional.
type Request struct {
	PackageName  string
	Source       patching.Source
	Version      string
	ExpectedHash string
}

// HashResult is the digest sub-result.
type HashResult struct {
	Checked      bool      `json:"checked"`
	Passed       bool      `json:"passed"`
	Hash         string    `json:"hash,omitempty"`
	Algorithm    Algorithm `json:"algorithm,omitempty"`
	ExpectedHash string    `json:"expectedHash,omitempty"`
	StoredHash   string    `json:"storedHash,omitempty"`
	Match        bool      `json:"match"`
	Saved        bool      `json:"saved"`
	Message      string    `json:"message,omitempty"`
}

// SignatureResult is the Authenticode sub-result.
type SignatureResult struct {
	Checked   bool   `json:"checked"`
	Passed    bool   `json:"passed"`
	Valid     bool   `json:"valid"`
	Status    string `json:"status,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	Trusted   bool   `json:"trusted"`
	Reason    string `json:"reason,omitempty"`
}

// Result is the verdict for one package. Hash and Signature are always set.
type Result struct {
	PackageName string          `json:"packageName"`
	Source      patching.Source `json:"source"`
	Success     bool            `json:"success"`
	Method      Method          `json:"method"`
	Message     string          `json:"message"`
	FilePath    string          `json:"filePath,omitempty"`
	Hash        HashResult      `json:"hash"`
	Signature   SignatureResult `json:"signature"`
}

// Validator runs digest and signature checks.
type Validator struct {
	opts   Options
	hashes *HashStore
}

// New returns a Validator. hashes may be nil when no database is kept.
func New(opts Options, hashes *HashStore) *Validator {
	if opts.Algorithm == "" {
		opts.Algorithm = SHA256
	}
	return &Validator{opts: opts, hashes: hashes}
}

// Validate locates the package executable through src and checks it.
func (v *Validator) Validate(ctx context.Context, src patching.PackageSource, req Request) Result {
	res := Result{PackageName: req.PackageName, Source: req.Source}
	if res.Source == "" && src != nil {
		res.Source = src.ID()
	}
	l := logging.WithPackage(log, string(res.Source), res.PackageName)

	if !v.opts.Enabled {
		res.Success, res.Method, res.Message = true, MethodSkipped, "Security validation disabled"
		return res
	}

	if src == nil {
		res.Method, res.Message = MethodPathNotFound, "Package source is not available"
		return res
	}
	path, ok := src.FindExecutablePath(ctx, req.PackageName)
	if !ok {
		res.Method, res.Message = MethodPathNotFound, "Executable not found for package"
		l.Warn("security validation could not locate executable")
		return res
	}
	res.FilePath = path

	var failures []string
	fail := func(method Method, msg string) {
		if len(failures) == 0 {
			res.Method = method
		}
		failures = append(failures, msg)
	}

	if v.opts.HashCheck {
		res.Hash = v.checkHash(src, req, res.Source, path)
		if !res.Hash.Passed {
			fail(MethodHashCheck, res.Hash.Message)
		}
	}

	if v.opts.SignatureCheck {
		res.Signature = v.checkSignature(ctx, src, path)
		switch {
		case res.Signature.Passed:
		case v.signatureBlocks(res.Signature):
			fail(MethodSignature, res.Signature.Reason)
		default:
			l.Warn("signature check did not pass", "reason", res.Signature.Reason, "status", res.Signature.Status)
		}
	}

	if len(failures) > 0 {
		res.Message = strings.Join(failures, "; ")
		l.Warn("security validation failed", "message", res.Message, "path", path)
		return res
	}
	res.Success = true
	res.Method = MethodComplete
	res.Message = "Security validation passed"
	return res
}

func (v *Validator) signatureBlocks(sig SignatureResult) bool {
	if v.opts.RequireValidSignature {
		return true
	}
	return v.opts.BlockUntrustedPackages && sig.Valid && !sig.Trusted
}

func (v *Validator) checkHash(src patching.PackageSource, req Request, source patching.Source, path string) HashResult {
	hr := HashResult{Checked: true, Algorithm: v.opts.Algorithm, ExpectedHash: req.ExpectedHash}

	digest, err := src.ComputeFileDigest(path, string(v.opts.Algorithm))
	if err != nil {
		hr.Message = fmt.Sprintf("Failed to compute %s digest: %v", v.opts.Algorithm, err)
		return hr
	}
	hr.Hash = digest

	if req.ExpectedHash != "" {
		hr.Match = strings.EqualFold(req.ExpectedHash, digest)
		if !hr.Match {
			hr.Message = fmt.Sprintf("hash mismatch: expected %s, got %s", req.ExpectedHash, digest)
			return hr
		}
	}

	if v.hashes != nil {
		if stored, ok := v.hashes.Lookup(source, req.PackageName); ok && v.comparable(stored, req) {
			hr.StoredHash = stored.Hash
			hr.Match = strings.EqualFold(stored.Hash, digest)
			if !hr.Match {
				hr.Message = msgStoredMismatch
				return hr
			}
		}
	}

	hr.Passed = true
	hr.Message = "Hash check passed"
	if v.opts.SaveHashDatabase && v.hashes != nil {
		rec := HashRecord{
			PackageName: req.PackageName,
			Source:      source,
			Version:     req.Version,
			Hash:        digest,
			Algorithm:   v.opts.Algorithm,
			FilePath:    path,
		}
		if err := v.hashes.Save(rec); err != nil {
			log.Warn("failed to save hash", logging.KeyPackage, req.PackageName, logging.KeyError, err.Error())
		} else {
			hr.Saved = true
		}
	}
	return hr
}

// comparable reports whether a stored record describes the same build as the
// current file. Records with another algorithm or another known version are
// superseded, not compared.
func (v *Validator) comparable(stored HashRecord, req Request) bool {
	if stored.Algorithm != "" && stored.Algorithm != v.opts.Algorithm {
		return false
	}
	if req.Version != "" && stored.Version != "" && stored.Version != req.Version {
		return false
	}
	return true
}

func (v *Validator) checkSignature(ctx context.Context, src patching.PackageSource, path string) SignatureResult {
	sr := SignatureResult{Checked: true}
	verdict, err := src.GetSignatureVerdict(ctx, path)
	if err != nil {
		sr.Status = patching.SignatureUnknownError
		sr.Reason = fmt.Sprintf("%s: %v", ReasonUnknown, err)
		return sr
	}
	sr.Valid = verdict.Valid
	sr.Status = verdict.Status
	sr.Publisher = verdict.Publisher

	if !verdict.Valid {
		switch verdict.Status {
		case patching.SignatureNotSigned:
			sr.Reason = ReasonUnsigned
		case patching.SignatureHashMismatch:
			sr.Reason = ReasonHashMismatch
		case patching.SignatureNotTrusted:
			sr.Reason = ReasonUntrustedCert
		default:
			sr.Reason = ReasonUnknown
		}
		return sr
	}

	sr.Trusted = v.trustedPublisher(verdict.Publisher)
	if !sr.Trusted {
		sr.Reason = fmt.Sprintf("%s: %s", ReasonUntrustedPublisher, verdict.Publisher)
		return sr
	}
	sr.Passed = true
	return sr
}

// trustedPublisher reports whether publisher contains an allow-list entry.
// An empty allow-list trusts every publisher.
func (v *Validator) trustedPublisher(publisher string) bool {
	if len(v.opts.TrustedPublishers) == 0 {
		return true
	}
	p := strings.ToLower(publisher)
	for _, trusted := range v.opts.TrustedPublishers {
		if t := strings.ToLower(strings.TrimSpace(trusted)); t != "" && strings.Contains(p, t) {
			return true
		}
	}
	return false
}

// Resolver finds the backend for a source.
type Resolver interface {
	Get(id patching.Source) (patching.PackageSource, bool)
}

// ValidateBatch validates every request without stopping early.
func (v *Validator) ValidateBatch(ctx context.Context, sources Resolver, reqs []Request) []Result {
	results := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		src, _ := sources.Get(req.Source)
		results = append(results, v.Validate(ctx, src, req))
	}
	return results
}
