// Package priority classifies packages into update tiers and orders scan
// results by tier.
package priority

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/breeze-rmm/winpatch/internal/patching"
)

// Tier is an update priority class.
type Tier string

const (
	TierCritical Tier = "Critical"
	TierHigh     Tier = "High"
	TierNormal   Tier = "Normal"
	TierLow      Tier = "Low"
	TierDeferred Tier = "Deferred"
)

// Tiers lists every tier from most to least urgent.
var Tiers = []Tier{TierCritical, TierHigh, TierNormal, TierLow, TierDeferred}

// membershipOrder is the precedence used by Classify. Normal has no list.
var membershipOrder = []Tier{TierCritical, TierHigh, TierLow, TierDeferred}

// ParseTier accepts a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown priority tier %q (want Critical, High, Normal, Low or Deferred)", s)
}

// Rank orders tiers: Critical=1, High=2, Normal=3, Low=4, Deferred=5.
func (t Tier) Rank() int {
	switch t {
	case TierCritical:
		return 1
	case TierHigh:
		return 2
	case TierLow:
		return 4
	case TierDeferred:
		return 5
	default:
		return 3
	}
}

func (t Tier) String() string { return string(t) }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Strategy selects the secondary sort key.
type Strategy string

const (
	PriorityOnly                    Strategy = "PriorityOnly"
	PriorityThenAlphabetical        Strategy = "PriorityThenAlphabetical"
	PriorityThenReverseAlphabetical Strategy = "PriorityThenReverseAlphabetical"
)

// Strategies lists the accepted ordering strategies.
var Strategies = []Strategy{PriorityOnly, PriorityThenAlphabetical, PriorityThenReverseAlphabetical}

// ParseStrategy accepts a strategy name case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies {
		if strings.EqualFold(string(st), strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown ordering strategy %q (want PriorityOnly, PriorityThenAlphabetical or PriorityThenReverseAlphabetical)", s)
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty value stays empty
// so the config default applies.
func (s *Strategy) UnmarshalText(b []byte) error {
	if strings.TrimSpace(string(b)) == "" {
		*s = ""
		return nil
	}
	parsed, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SourceLists holds one package list per source.
type SourceLists struct {
	Winget     []string `json:"Winget"`
	Chocolatey []string `json:"Chocolatey"`
	Store      []string `json:"Store"`
}

func (l *SourceLists) list(src patching.Source) *[]string {
	switch src {
	case patching.SourceWinget:
		return &l.Winget
	case patching.SourceChocolatey:
		return &l.Chocolatey
	case patching.SourceStore:
		return &l.Store
	}
	return nil
}

// Get returns the list for src.
func (l SourceLists) Get(src patching.Source) []string {
	if p := l.list(src); p != nil {
		return *p
	}
	return nil
}

func (l *SourceLists) ensure() {
	for _, src := range patching.AllSources {
		if p := l.list(src); *p == nil {
			*p = []string{}
		}
	}
}

// Config is the persisted priority document.
type Config struct {
	CriticalPackages       SourceLists `json:"CriticalPackages"`
	HighPriorityPackages   SourceLists `json:"HighPriorityPackages"`
	LowPriorityPackages    SourceLists `json:"LowPriorityPackages"`
	DeferredPackages       SourceLists `json:"DeferredPackages"`
	EnablePriorityOrdering bool        `json:"EnablePriorityOrdering"`
	OrderingStrategy       Strategy    `json:"OrderingStrategy"`
}

// DefaultConfig enables ordering with alphabetical tie-breaking and no lists.
func DefaultConfig() Config {
	cfg := Config{
		EnablePriorityOrdering: true,
		OrderingStrategy:       PriorityThenAlphabetical,
	}
	cfg.ensure()
	return cfg
}

func (c *Config) ensure() {
	c.CriticalPackages.ensure()
	c.HighPriorityPackages.ensure()
	c.LowPriorityPackages.ensure()
	c.DeferredPackages.ensure()
}

// Lists returns the lists backing tier, or nil for Normal.
func (c *Config) Lists(tier Tier) *SourceLists {
	switch tier {
	case TierCritical:
		return &c.CriticalPackages
	case TierHigh:
		return &c.HighPriorityPackages
	case TierLow:
		return &c.LowPriorityPackages
	case TierDeferred:
		return &c.DeferredPackages
	}
	return nil
}

// Strategy returns the configured strategy, or PriorityOnly when unset.
func (c Config) Strategy() Strategy {
	if c.OrderingStrategy == "" {
		return PriorityOnly
	}
	return c.OrderingStrategy
}

func containsFold(list []string, name string) bool {
	for _, v := range list {
		if strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}

// Classify returns the tier of name within src. Ordering disabled means
// Normal. Otherwise Critical, High, Low and Deferred are checked in that
// order and the first list containing name wins.
func Classify(name string, src patching.Source, cfg Config) Tier {
	if !cfg.EnablePriorityOrdering {
		return TierNormal
	}
	for _, tier := range membershipOrder {
		if containsFold(cfg.Lists(tier).Get(src), name) {
			return tier
		}
	}
	return TierNormal
}

// Memberships returns every tier whose list for src contains name.
func Memberships(name string, src patching.Source, cfg Config) []Tier {
	var tiers []Tier
	for _, tier := range membershipOrder {
		if containsFold(cfg.Lists(tier).Get(src), name) {
			tiers = append(tiers, tier)
		}
	}
	return tiers
}

// Duplicates maps each package listed in more than one tier of src to those
// tiers.
func Duplicates(src patching.Source, cfg Config) map[string][]Tier {
	dups := make(map[string][]Tier)
	seen := make(map[string]bool)
	for _, tier := range membershipOrder {
		for _, name := range cfg.Lists(tier).Get(src) {
			key := strings.ToLower(name)
			if seen[key] {
				continue
			}
			seen[key] = true
			if m := Memberships(name, src, cfg); len(m) > 1 {
				dups[name] = m
			}
		}
	}
	return dups
}

// Ranked is an item with its tier.
type Ranked[T any] struct {
	Item T
	Name string
	Tier Tier
	Rank int
}

// Sort orders items by tier rank and then by strategy. An empty strategy uses
// the config default. The sort is stable.
func Sort[T any](items []T, nameOf func(T) string, src patching.Source, cfg Config, strategy Strategy) []Ranked[T] {
	if strategy == "" {
		strategy = cfg.Strategy()
	}
	ranked := make([]Ranked[T], 0, len(items))
	for _, item := range items {
		name := nameOf(item)
		tier := Classify(name, src, cfg)
		ranked = append(ranked, Ranked[T]{Item: item, Name: name, Tier: tier, Rank: tier.Rank()})
	}

	slices.SortStableFunc(ranked, func(a, b Ranked[T]) int {
		if c := cmp.Compare(a.Rank, b.Rank); c != 0 {
			return c
		}
		switch strategy {
		case PriorityThenAlphabetical:
			return compareNames(a.Name, b.Name)
		case PriorityThenReverseAlphabetical:
			return compareNames(b.Name, a.Name)
		}
		return 0
	})
	return ranked
}

func compareNames(a, b string) int {
	if c := cmp.Compare(strings.ToLower(a), strings.ToLower(b)); c != 0 {
		return c
	}
	return cmp.Compare(a, b)
}
