// Package cache keeps the last-seen version of every package per source and
// classifies fresh scan results against it.
package cache

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/breeze-rmm/winpatch/internal/docstore"
	"github.com/breeze-rmm/winpatch/internal/logging"
	"github.com/breeze-rmm/winpatch/internal/patching"
)

var log = logging.L("cache")

// Entry is one cached (name, version) sighting.
type Entry struct {
	Name        string `json:"Name"`
	Version     string `json:"Version"`
	LastUpdated string `json:"LastUpdated"`
}

// Document is the persisted cache. Packages is keyed by source name.
type Document struct {
	LastUpdated string             `json:"LastUpdated"`
	Packages    map[string][]Entry `json:"Packages"`
}

// Entries returns the cached entries for src.
func (d *Document) Entries(src patching.Source) []Entry {
	if d == nil || d.Packages == nil {
		return nil
	}
	return d.Packages[string(src)]
}

// Lookup finds the cached entry for name (case-insensitive).
func (d *Document) Lookup(src patching.Source, name string) (Entry, bool) {
	for _, e := range d.Entries(src) {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return Entry{}, false
}

// Total counts entries across every source.
func (d *Document) Total() int {
	n := 0
	for _, entries := range d.Packages {
		n += len(entries)
	}
	return n
}

func (d *Document) ensure() {
	if d.Packages == nil {
		d.Packages = make(map[string][]Entry, len(patching.AllSources))
	}
	for _, src := range patching.AllSources {
		if d.Packages[string(src)] == nil {
			d.Packages[string(src)] = []Entry{}
		}
	}
}

func emptyDocument(now time.Time) *Document {
	doc := &Document{LastUpdated: docstore.FormatTime(now)}
	doc.ensure()
	return doc
}

// Cache is the version cache document.
type Cache struct {
	store *docstore.Store
	now   func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithStoreOptions forwards options to the underlying document store.
func WithStoreOptions(opts ...docstore.Option) Option {
	return func(c *Cache) { c.store = docstore.New(c.store.Path(), opts...) }
}

// New returns a cache persisted at path.
func New(path string, opts ...Option) *Cache {
	c := &Cache{store: docstore.New(path), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the document path.
func (c *Cache) Path() string { return c.store.Path() }

// Load reads the cache. A missing document is created empty. Read and parse
// failures are logged and yield an empty document.
func (c *Cache) Load() *Document {
	var doc Document
	found, err := c.store.Read(&doc)
	if err != nil {
		log.Warn("version cache unreadable, using empty cache", "path", c.store.Path(), logging.KeyError, err.Error())
		return emptyDocument(c.now())
	}
	if !found {
		empty := emptyDocument(c.now())
		if err := c.store.Write(empty); err != nil {
			log.Warn("failed to initialise version cache", "path", c.store.Path(), logging.KeyError, err.Error())
		}
		return empty
	}
	doc.ensure()
	return &doc
}

// Entries returns the cached entries for src.
func (c *Cache) Entries(src patching.Source) []Entry {
	return c.Load().Entries(src)
}

// Upsert records version for (src, name), replacing an existing entry in place.
func (c *Cache) Upsert(src patching.Source, name, version string) error {
	if !src.Valid() {
		return fmt.Errorf("cache upsert: invalid source %q", src)
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("cache upsert: package name is empty")
	}
	now := docstore.FormatTime(c.now())
	err := docstore.Update(c.store, func(doc *Document, _ bool) error {
		doc.ensure()
		entries := doc.Packages[string(src)]
		replaced := false
		for i := range entries {
			if strings.EqualFold(entries[i].Name, name) {
				entries[i].Version = version
				entries[i].LastUpdated = now
				replaced = true
				break
			}
		}
		if !replaced {
			entries = append(entries, Entry{Name: name, Version: version, LastUpdated: now})
		}
		doc.Packages[string(src)] = entries
		doc.LastUpdated = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache upsert %s/%s: %w", src, name, err)
	}
	log.Debug("cached package version", logging.KeySource, string(src), logging.KeyPackage, name, "version", version)
	return nil
}

// Clear empties the entries of one source.
func (c *Cache) Clear(src patching.Source) error {
	if !src.Valid() {
		return fmt.Errorf("cache clear: invalid source %q", src)
	}
	now := docstore.FormatTime(c.now())
	err := docstore.Update(c.store, func(doc *Document, _ bool) error {
		doc.ensure()
		doc.Packages[string(src)] = []Entry{}
		doc.LastUpdated = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache clear %s: %w", src, err)
	}
	log.Info("cleared version cache", logging.KeySource, string(src))
	return nil
}

// ClearAll deletes the document and writes a fresh empty one.
func (c *Cache) ClearAll() error {
	if err := c.store.Remove(); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	if err := c.store.Write(emptyDocument(c.now())); err != nil {
		return fmt.Errorf("cache reinitialise: %w", err)
	}
	log.Info("cleared version cache for all sources")
	return nil
}

// Statistics summarises the cache.
type Statistics struct {
	Path        string         `json:"path"`
	LastUpdated time.Time      `json:"lastUpdated"`
	AgeHours    float64        `json:"ageHours"`
	AgeDays     float64        `json:"ageDays"`
	PerSource   map[string]int `json:"perSource"`
	Total       int            `json:"total"`
}

// Sources returns the PerSource keys in a stable order.
func (s Statistics) Sources() []string {
	keys := make([]string, 0, len(s.PerSource))
	for k := range s.PerSource {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Statistics reports entry counts and the age of the last write.
func (c *Cache) Statistics() Statistics {
	doc := c.Load()
	stats := Statistics{
		Path:      c.store.Path(),
		PerSource: make(map[string]int, len(doc.Packages)),
	}
	for src, entries := range doc.Packages {
		stats.PerSource[src] = len(entries)
		stats.Total += len(entries)
	}
	if t, ok := docstore.ParseTime(doc.LastUpdated); ok {
		age := c.now().Sub(t)
		stats.LastUpdated = t
		stats.AgeHours = age.Hours()
		stats.AgeDays = age.Hours() / 24
	}
	return stats
}
