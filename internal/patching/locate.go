package patching

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Locator finds the main executable of an installed package.
type Locator struct {
	// Roots are searched, in order, when no hint or registry entry matches.
	Roots []string
	// MaxDepth bounds the directory walk below each root.
	MaxDepth int
	// registry looks up an InstallLocation for a package; nil disables it.
	registry func(name string) (string, bool)
}

// DefaultLocator searches Program Files, per-user Programs and the Chocolatey lib tree.
func DefaultLocator() *Locator {
	var roots []string
	for _, env := range []string{"ProgramFiles", "ProgramFiles(x86)", "ProgramW6432"} {
		if v := os.Getenv(env); v != "" {
			roots = append(roots, v)
		}
	}
	if v := os.Getenv("LOCALAPPDATA"); v != "" {
		roots = append(roots, filepath.Join(v, "Programs"), filepath.Join(v, "Microsoft", "WinGet", "Packages"))
	}
	roots = append(roots, filepath.Join(chocolateyRoot(), "lib"))

	return &Locator{
		Roots:    dedupePaths(roots),
		MaxDepth: 3,
		registry: registryInstallLocation,
	}
}

// NewLocator returns a Locator over the given roots without registry lookup.
func NewLocator(maxDepth int, roots ...string) *Locator {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &Locator{Roots: roots, MaxDepth: maxDepth}
}

// Find returns the first executable whose file name starts with the package
// name prefix. hints are install directories (or executables) reported by the
// backend and take precedence over the registry and the search roots.
func (l *Locator) Find(name string, hints ...string) (string, bool) {
	prefix := executablePrefix(name)
	if prefix == "" {
		return "", false
	}

	for _, hint := range hints {
		if path, ok := l.search(hint, prefix, true); ok {
			return path, true
		}
	}

	if l.registry != nil {
		if dir, ok := l.registry(name); ok {
			if path, ok := l.search(dir, prefix, true); ok {
				return path, true
			}
		}
	}

	for _, root := range l.Roots {
		if path, ok := l.search(root, prefix, false); ok {
			return path, true
		}
	}
	return "", false
}

// search walks dir looking for a matching .exe. With anyExe set, the first
// executable found is accepted when none matches the prefix, since the
// directory is already known to belong to the package.
func (l *Locator) search(dir, prefix string, anyExe bool) (string, bool) {
	dir = strings.Trim(strings.TrimSpace(dir), `"`)
	if dir == "" {
		return "", false
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", false
	}
	if !info.IsDir() {
		if isExecutable(dir) {
			return dir, true
		}
		return "", false
	}

	maxDepth := l.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	baseDepth := strings.Count(filepath.Clean(dir), string(filepath.Separator))

	var match, fallback string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if strings.Count(filepath.Clean(path), string(filepath.Separator))-baseDepth >= maxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if !isExecutable(path) {
			return nil
		}
		if strings.HasPrefix(normalizeName(strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))), prefix) {
			match = path
			return fs.SkipAll
		}
		if fallback == "" && !isHelperExecutable(d.Name()) {
			fallback = path
		}
		return nil
	})

	if match != "" {
		return match, true
	}
	if anyExe && fallback != "" {
		return fallback, true
	}
	return "", false
}

// executablePrefix derives the file-name prefix from a package identifier:
// the last dotted segment, lower-cased, alphanumerics only
// ("Mozilla.Firefox" -> "firefox", "notepadplusplus" -> "notepadplusplus").
func executablePrefix(name string) string {
	name = strings.TrimSpace(name)
	if idx := strings.LastIndex(name, "."); idx >= 0 && idx < len(name)-1 {
		name = name[idx+1:]
	}
	return normalizeName(name)
}

func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isExecutable(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".exe")
}

func isHelperExecutable(name string) bool {
	lower := strings.ToLower(name)
	for _, helper := range []string{"unins", "uninstall", "update", "crashpad", "crashreporter", "setup"} {
		if strings.HasPrefix(lower, helper) {
			return true
		}
	}
	return false
}

func chocolateyRoot() string {
	if v := os.Getenv("ChocolateyInstall"); v != "" {
		return v
	}
	if v := os.Getenv("ProgramData"); v != "" {
		return filepath.Join(v, "chocolatey")
	}
	return filepath.Join(`C:\ProgramData`, "chocolatey")
}

func dedupePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		key := strings.ToLower(filepath.Clean(p))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}
