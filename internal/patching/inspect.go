package patching

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
	"time"
)

// inspector implements the file-level capabilities shared by every source.
type inspector struct {
	exec    ExecFunc
	timeout time.Duration
	locator *Locator
}

// ComputeFileDigest hashes the file at path. algorithm is SHA256 (default),
// SHA512, SHA1 or MD5. The digest is returned as upper-case hex.
func (i inspector) ComputeFileDigest(path, algorithm string) (string, error) {
	return ComputeFileDigest(path, algorithm)
}

// GetSignatureVerdict asks PowerShell for the file's Authenticode signature.
func (i inspector) GetSignatureVerdict(ctx context.Context, path string) (SignatureVerdict, error) {
	return authenticodeVerdict(ctx, i.exec, i.timeout, path)
}

// SetLocator replaces the executable locator.
func (i *inspector) SetLocator(l *Locator) {
	if l != nil {
		i.locator = l
	}
}

// ComputeFileDigest hashes the file at path with the named algorithm.
func ComputeFileDigest(path, algorithm string) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

func newHash(algorithm string) (hash.Hash, error) {
	switch strings.ToUpper(strings.TrimSpace(algorithm)) {
	case "", "SHA256":
		return sha256.New(), nil
	case "SHA512":
		return sha512.New(), nil
	case "SHA1":
		return sha1.New(), nil
	case "MD5":
		return md5.New(), nil
	}
	return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
}

// Authenticode status names as reported by Get-AuthenticodeSignature.
const (
	SignatureValid        = "Valid"
	SignatureNotSigned    = "NotSigned"
	SignatureHashMismatch = "HashMismatch"
	SignatureNotTrusted   = "NotTrusted"
	SignatureUnknownError = "UnknownError"
)

const authenticodeScript = `$s = Get-AuthenticodeSignature -LiteralPath $env:WINPATCH_TARGET; ` +
	`[pscustomobject]@{ Status = $s.Status.ToString(); Subject = if ($s.SignerCertificate) { $s.SignerCertificate.Subject } else { '' } } | ConvertTo-Json -Compress`

type authenticodeOutput struct {
	Status  string `json:"Status"`
	Subject string `json:"Subject"`
}

func authenticodeVerdict(ctx context.Context, exec ExecFunc, timeout time.Duration, path string) (SignatureVerdict, error) {
	if _, err := os.Stat(path); err != nil {
		return SignatureVerdict{}, fmt.Errorf("signature check %s: %w", path, err)
	}

	// The path travels through the environment so it is never parsed as script.
	restore := setEnv("WINPATCH_TARGET", path)
	defer restore()

	stdout, stderr, exitCode, err := exec(ctx, "powershell.exe", []string{
		"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-Command", authenticodeScript,
	}, timeout)
	if err != nil {
		return SignatureVerdict{}, fmt.Errorf("Get-AuthenticodeSignature failed: %w", err)
	}
	if exitCode != 0 {
		return SignatureVerdict{}, fmt.Errorf("Get-AuthenticodeSignature failed (exit %d): %s", exitCode, strings.TrimSpace(stderr))
	}
	return parseAuthenticodeOutput(stdout)
}

func parseAuthenticodeOutput(stdout string) (SignatureVerdict, error) {
	var out authenticodeOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &out); err != nil {
		return SignatureVerdict{}, fmt.Errorf("parse signature output: %w", err)
	}
	status := strings.TrimSpace(out.Status)
	if status == "" {
		status = SignatureUnknownError
	}
	return SignatureVerdict{
		Valid:     status == SignatureValid,
		Publisher: publisherFromSubject(out.Subject),
		Status:    status,
	}, nil
}

// publisherFromSubject returns the CN of an X.500 subject, or the whole
// subject when no CN is present.
func publisherFromSubject(subject string) string {
	for _, part := range splitDN(subject) {
		key, value, ok := strings.Cut(part, "=")
		if ok && strings.EqualFold(strings.TrimSpace(key), "CN") {
			return strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return strings.TrimSpace(subject)
}

// splitDN splits on commas that are not inside quotes.
func splitDN(dn string) []string {
	var parts []string
	var b strings.Builder
	quoted := false
	for _, r := range dn {
		switch {
		case r == '"':
			quoted = !quoted
			b.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

func setEnv(key, value string) func() {
	prev, had := os.LookupEnv(key)
	_ = os.Setenv(key, value)
	return func() {
		if had {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	}
}
