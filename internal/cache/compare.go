package cache

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/breeze-rmm/winpatch/internal/logging"
	"github.com/breeze-rmm/winpatch/internal/patching"
)

// ChangeType classifies a package against the cache.
type ChangeType string

const (
	ChangeNew     ChangeType = "New"
	ChangeUpdated ChangeType = "Updated"
)

// NotAvailable is the PreviousVersion of a package the cache has never seen.
const NotAvailable = "N/A"

// Package is a current (name, version) observation from a source.
type Package struct {
	Name    string
	Version string
}

// Change is a package that differs from the cache.
type Change struct {
	Name            string     `json:"name"`
	Version         string     `json:"version"`
	ChangeType      ChangeType `json:"changeType"`
	PreviousVersion string     `json:"previousVersion"`
}

// VersionComparator decides whether a cached version differs from a current one.
type VersionComparator interface {
	Changed(cached, current string) bool
}

// StringComparator treats any ordinal difference as a change.
type StringComparator struct{}

func (StringComparator) Changed(cached, current string) bool { return cached != current }

// SemverComparator compares semantic versions, so "1.2" and "1.2.0" are equal.
// It falls back to string inequality when either side is not valid semver.
type SemverComparator struct{}

func (SemverComparator) Changed(cached, current string) bool {
	a, b := canonicalSemver(cached), canonicalSemver(current)
	if !semver.IsValid(a) || !semver.IsValid(b) {
		return cached != current
	}
	return semver.Compare(a, b) != 0
}

func canonicalSemver(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// ComparatorByName maps a config name ("string", "semver") to a comparator.
func ComparatorByName(name string) (VersionComparator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "string":
		return StringComparator{}, nil
	case "semver":
		return SemverComparator{}, nil
	}
	return nil, fmt.Errorf("unknown version comparator %q", name)
}

// Comparator classifies scan results as New or Updated against a Cache.
type Comparator struct {
	cache     *Cache
	fallback  VersionComparator
	perSource map[patching.Source]VersionComparator
}

// ComparatorOption configures a Comparator.
type ComparatorOption func(*Comparator)

// WithComparator installs vc for one source.
func WithComparator(src patching.Source, vc VersionComparator) ComparatorOption {
	return func(c *Comparator) {
		if vc != nil {
			c.perSource[src] = vc
		}
	}
}

// WithDefaultComparator replaces the string comparator for every source
// without an override.
func WithDefaultComparator(vc VersionComparator) ComparatorOption {
	return func(c *Comparator) {
		if vc != nil {
			c.fallback = vc
		}
	}
}

// NewComparator returns a Comparator reading from cache.
func NewComparator(cache *Cache, opts ...ComparatorOption) *Comparator {
	c := &Comparator{
		cache:     cache,
		fallback:  StringComparator{},
		perSource: make(map[patching.Source]VersionComparator),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Comparator) comparatorFor(src patching.Source) VersionComparator {
	if vc, ok := c.perSource[src]; ok {
		return vc
	}
	return c.fallback
}

// Compare returns the packages in current that are new or changed since the
// cache last saw them. Unchanged packages are omitted and input order is kept.
func (c *Comparator) Compare(current []Package, src patching.Source) []Change {
	return Diff(c.cache.Load(), current, src, c.comparatorFor(src))
}

// Diff classifies current against doc without touching disk.
func Diff(doc *Document, current []Package, src patching.Source, vc VersionComparator) []Change {
	if vc == nil {
		vc = StringComparator{}
	}
	changes := make([]Change, 0, len(current))
	for _, pkg := range current {
		cached, ok := doc.Lookup(src, pkg.Name)
		switch {
		case !ok:
			changes = append(changes, Change{
				Name:            pkg.Name,
				Version:         pkg.Version,
				ChangeType:      ChangeNew,
				PreviousVersion: NotAvailable,
			})
		case vc.Changed(cached.Version, pkg.Version):
			changes = append(changes, Change{
				Name:            pkg.Name,
				Version:         pkg.Version,
				ChangeType:      ChangeUpdated,
				PreviousVersion: cached.Version,
			})
		}
	}
	log.Debug("differential comparison",
		logging.KeySource, string(src),
		"current", len(current),
		"changed", len(changes))
	return changes
}
