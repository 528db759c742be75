package priority

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/breeze-rmm/winpatch/internal/docstore"
	"github.com/breeze-rmm/winpatch/internal/logging"
	"github.com/breeze-rmm/winpatch/internal/patching"
)

var log = logging.L("priority")

// ErrAlreadyInTier is returned by AddToTier when the package is already listed
// in that tier for that source.
var ErrAlreadyInTier = errors.New("package already in tier")

// Store loads the priority document once and rewrites it on every change.
type Store struct {
	doc *docstore.Store

	mu  sync.Mutex
	cfg Config
}

// Open loads the document at path. A missing or unreadable document yields
// DefaultConfig; it is written only when something changes.
func Open(path string, opts ...docstore.Option) *Store {
	s := &Store{doc: docstore.New(path, opts...)}
	s.cfg = s.read()
	return s
}

func (s *Store) read() Config {
	cfg := DefaultConfig()
	found, err := s.doc.Read(&cfg)
	if err != nil {
		log.Warn("priority config unreadable, using defaults", "path", s.doc.Path(), logging.KeyError, err.Error())
		return DefaultConfig()
	}
	if !found {
		return DefaultConfig()
	}
	cfg.ensure()
	return cfg
}

// Path returns the document path.
func (s *Store) Path() string { return s.doc.Path() }

// Config returns a copy of the loaded configuration.
func (s *Store) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Store) update(fn func(cfg *Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		result Config
		loaded bool
	)
	err := docstore.UpdateWith(s.doc, DefaultConfig, func(cfg *Config, _ bool) error {
		cfg.ensure()
		err := fn(cfg)
		if err != nil && !errors.Is(err, docstore.ErrSkipWrite) {
			return err
		}
		result, loaded = *cfg, true
		return err
	})
	if err != nil {
		return err
	}
	if loaded {
		s.cfg = result
	}
	return nil
}

// AddToTier appends name to tier for src. Other tiers are not checked.
func (s *Store) AddToTier(name string, src patching.Source, tier Tier) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("priority add: package name is empty")
	}
	if !src.Valid() {
		return fmt.Errorf("priority add: invalid source %q", src)
	}

	var notUpdated bool
	err := s.update(func(cfg *Config) error {
		lists := cfg.Lists(tier)
		if lists == nil {
			return fmt.Errorf("priority add: %s is not an assignable tier", tier)
		}
		list := lists.list(src)
		if containsFold(*list, name) {
			notUpdated = true
			return docstore.ErrSkipWrite
		}
		*list = append(*list, name)
		return nil
	})
	if err != nil {
		return err
	}
	if notUpdated {
		return fmt.Errorf("%s/%s in %s: %w", src, name, tier, ErrAlreadyInTier)
	}
	log.Info("added package to priority tier", logging.KeySource, string(src), logging.KeyPackage, name, "tier", string(tier))
	return nil
}

// RemoveFromAllTiers removes name from every tier of src. It reports whether
// anything was removed; the document is rewritten only in that case.
func (s *Store) RemoveFromAllTiers(name string, src patching.Source) (bool, error) {
	if !src.Valid() {
		return false, fmt.Errorf("priority remove: invalid source %q", src)
	}
	var removed []Tier
	err := s.update(func(cfg *Config) error {
		for _, tier := range membershipOrder {
			list := cfg.Lists(tier).list(src)
			kept := (*list)[:0]
			for _, v := range *list {
				if strings.EqualFold(v, name) {
					removed = append(removed, tier)
					continue
				}
				kept = append(kept, v)
			}
			*list = kept
		}
		if len(removed) == 0 {
			return docstore.ErrSkipWrite
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(removed) > 0 {
		log.Info("removed package from priority tiers", logging.KeySource, string(src), logging.KeyPackage, name, "tiers", len(removed))
	}
	return len(removed) > 0, nil
}

// SetOrdering toggles ordering and sets the default strategy. An empty
// strategy keeps the current one.
func (s *Store) SetOrdering(enabled bool, strategy Strategy) error {
	return s.update(func(cfg *Config) error {
		cfg.EnablePriorityOrdering = enabled
		if strategy != "" {
			cfg.OrderingStrategy = strategy
		}
		return nil
	})
}
