// Package history is the append-only ledger of package operations.
package history

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"regexp"
	"strings"
	"time"

	"github.com/breeze-rmm/winpatch/internal/docstore"
	"github.com/breeze-rmm/winpatch/internal/logging"
	"github.com/breeze-rmm/winpatch/internal/patching"
)

var log = logging.L("history")

// ErrNoEntries is returned by ExportReport when nothing matches.
var ErrNoEntries = errors.New("no history entries")

// UnknownVersion is the PreviousVersion recorded when none was supplied.
const UnknownVersion = "Unknown"

// Operation is the kind of action an entry records.
type Operation string

const (
	OpInstall   Operation = "Install"
	OpUpgrade   Operation = "Upgrade"
	OpUninstall Operation = "Uninstall"
	OpRollback  Operation = "Rollback"
	OpScan      Operation = "Scan"
)

// Operations lists every operation.
var Operations = []Operation{OpInstall, OpUpgrade, OpUninstall, OpRollback, OpScan}

// ParseOperation accepts an operation name case-insensitively.
func ParseOperation(s string) (Operation, error) {
	for _, op := range Operations {
		if strings.EqualFold(string(op), strings.TrimSpace(s)) {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q (want Install, Upgrade, Uninstall, Rollback or Scan)", s)
}

func (o Operation) String() string { return string(o) }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Operation) UnmarshalText(b []byte) error {
	parsed, err := ParseOperation(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Entry is one ledger record. Field names are part of the file format.
type Entry struct {
	Timestamp       string          `json:"Timestamp"`
	PackageName     string          `json:"PackageName"`
	Version         string          `json:"Version"`
	PreviousVersion string          `json:"PreviousVersion"`
	Source          patching.Source `json:"Source"`
	Operation       Operation       `json:"Operation"`
	Success         bool            `json:"Success"`
	ErrorMessage    string          `json:"ErrorMessage"`
	ComputerName    string          `json:"ComputerName"`
	UserName        string          `json:"UserName"`
}

// Time parses the entry timestamp.
func (e Entry) Time() (time.Time, bool) {
	return docstore.ParseTime(e.Timestamp)
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	// PackageName is a case-insensitive glob ("Mozilla.*").
	PackageName string
	Source      patching.Source
	Operation   Operation
	// Days keeps entries newer than now minus Days. Entries whose timestamp
	// cannot be parsed are excluded when Days is set.
	Days    int
	Success *bool
}

// Succeeded and Failed are Filter.Success helpers.
func Succeeded() *bool { v := true; return &v }
func Failed() *bool    { v := false; return &v }

// Ledger is the history document.
type Ledger struct {
	store *docstore.Store
	now   func() time.Time
	host  func() (computer, user string)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithHost replaces the computer and user name lookup.
func WithHost(fn func() (computer, user string)) Option {
	return func(l *Ledger) { l.host = fn }
}

// New returns a ledger persisted at path.
func New(path string, opts ...Option) *Ledger {
	l := &Ledger{store: docstore.New(path), now: time.Now, host: hostIdentity}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the document path.
func (l *Ledger) Path() string { return l.store.Path() }

func hostIdentity() (string, string) {
	computer := os.Getenv("COMPUTERNAME")
	if computer == "" {
		computer, _ = os.Hostname()
	}
	name := os.Getenv("USERNAME")
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		}
	}
	return computer, name
}

// Append adds entry, filling Timestamp, ComputerName, UserName and
// PreviousVersion when they are empty.
func (l *Ledger) Append(entry Entry) error {
	if strings.TrimSpace(entry.PackageName) == "" {
		return fmt.Errorf("history append: package name is empty")
	}
	if !entry.Source.Valid() {
		return fmt.Errorf("history append %s: invalid source %q", entry.PackageName, entry.Source)
	}
	if _, err := ParseOperation(string(entry.Operation)); err != nil {
		return fmt.Errorf("history append %s: %w", entry.PackageName, err)
	}

	if entry.Timestamp == "" {
		entry.Timestamp = docstore.FormatTime(l.now())
	}
	if entry.PreviousVersion == "" {
		entry.PreviousVersion = UnknownVersion
	}
	if entry.ComputerName == "" || entry.UserName == "" {
		computer, name := l.host()
		if entry.ComputerName == "" {
			entry.ComputerName = computer
		}
		if entry.UserName == "" {
			entry.UserName = name
		}
	}

	err := docstore.Update(l.store, func(entries *[]Entry, _ bool) error {
		*entries = append(*entries, entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("history append %s/%s: %w", entry.Source, entry.PackageName, err)
	}
	log.Debug("recorded history entry",
		logging.KeySource, string(entry.Source),
		logging.KeyPackage, entry.PackageName,
		logging.KeyOperation, string(entry.Operation),
		"success", entry.Success)
	return nil
}

// All returns every entry in insertion order. Missing or corrupt documents
// yield an empty list.
func (l *Ledger) All() []Entry {
	var entries []Entry
	if _, err := l.store.Read(&entries); err != nil {
		log.Warn("history unreadable, treating as empty", "path", l.store.Path(), logging.KeyError, err.Error())
		return []Entry{}
	}
	if entries == nil {
		return []Entry{}
	}
	return entries
}

// Query returns the entries matching every set field of f, in insertion order.
func (l *Ledger) Query(f Filter) []Entry {
	all := l.All()
	var cutoff time.Time
	if f.Days > 0 {
		cutoff = l.now().AddDate(0, 0, -f.Days)
	}

	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if f.PackageName != "" && !MatchName(f.PackageName, e.PackageName) {
			continue
		}
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		if f.Operation != "" && e.Operation != f.Operation {
			continue
		}
		if f.Success != nil && e.Success != *f.Success {
			continue
		}
		if f.Days > 0 {
			ts, ok := e.Time()
			if !ok || ts.Before(cutoff) {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// MatchName reports whether name matches the case-insensitive wildcard
// pattern. * matches any run of characters including / and \, ? matches one
// character and [...] matches a character set. Backslash is a literal. A
// pattern without wildcards must match the whole name, and a malformed
// pattern matches nothing.
func MatchName(pattern, name string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return strings.EqualFold(pattern, name)
	}
	re, err := wildcardRegexp(pattern)
	return err == nil && re.MatchString(name)
}

func wildcardRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?is)^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			end := strings.IndexByte(pattern[i+1:], ']')
			if end <= 0 {
				return nil, fmt.Errorf("unterminated character set in %q", pattern)
			}
			set := pattern[i+1 : i+1+end]
			b.WriteByte('[')
			if set[0] == '!' || set[0] == '^' {
				b.WriteByte('^')
				set = set[1:]
			}
			b.WriteString(strings.ReplaceAll(set, `\`, `\\`))
			b.WriteByte(']')
			i += end + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

// Prune removes entries older than retentionDays. Entries at or after the
// cutoff and entries with unparseable timestamps are kept.
func (l *Ledger) Prune(retentionDays int) (int, error) {
	if retentionDays < 1 {
		return 0, fmt.Errorf("history prune: retention must be at least one day, got %d", retentionDays)
	}
	cutoff := l.now().AddDate(0, 0, -retentionDays)
	removed := 0

	err := docstore.Update(l.store, func(entries *[]Entry, found bool) error {
		if !found {
			return docstore.ErrSkipWrite
		}
		kept := make([]Entry, 0, len(*entries))
		for _, e := range *entries {
			if ts, ok := e.Time(); ok && ts.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if removed == 0 {
			return docstore.ErrSkipWrite
		}
		*entries = kept
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("history prune: %w", err)
	}
	log.Info("pruned history", "removed", removed, "retentionDays", retentionDays)
	return removed, nil
}
