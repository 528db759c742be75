// Package audit keeps a hash-chained JSONL trail of operations that change
// the machine or winpatch state.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/winpatch/internal/logging"
)

var log = logging.L("audit")

// Event types.
const (
	EventRunStart       = "run_start"
	EventRunComplete    = "run_complete"
	EventPackageUpgrade = "package_upgrade"
	EventPackageInstall = "package_install"
	EventRollback       = "rollback"
	EventCacheClear     = "cache_clear"
	EventPriorityChange = "priority_change"
	EventRestorePoint   = "restore_point"
	EventBootstrap      = "bootstrap_install"
	EventConfigChange   = "config_change"
	EventLogRotated     = "log_rotated"
)

const genesisHash = "genesis"

// criticalEvents are fsynced after writing.
var criticalEvents = map[string]bool{
	EventPackageUpgrade: true,
	EventPackageInstall: true,
	EventRollback:       true,
	EventRestorePoint:   true,
	EventBootstrap:      true,
	EventConfigChange:   true,
}

// Entry is a single audit record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	RunID     string         `json:"runId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger appends entries linked by SHA-256 hashes. On rotation a sentinel
// entry starts the new file with prevHash pointing at the last entry of the
// old one.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// Open starts an audit logger at path, continuing the hash chain of an
// existing file.
func Open(path string, maxSizeMB, maxBackups int) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesisHash,
	}
	if last, ok := lastHash(path); ok {
		l.prevHash = last
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Debug("audit logger started", "path", path)
	return l, nil
}

// Path returns the audit file path.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// Log writes one entry. The chain only advances after a successful write.
// Safe on a nil receiver.
func (l *Logger) Log(eventType, runID string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		RunID:     runID,
		Details:   details,
		PrevHash:  l.prevHash,
	}

	entryHash, err := computeHash(entry)
	if err != nil {
		log.Error("failed to compute audit entry hash", logging.KeyError, err.Error(), "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	entry.EntryHash = entryHash

	data, err := json.Marshal(entry)
	if err != nil {
		log.Error("failed to marshal audit entry", logging.KeyError, err.Error(), "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	data = append(data, '\n')

	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", logging.KeyError, err.Error())
			l.dropped.Add(1)
			return
		}
		// The sentinel moved the chain; relink this entry.
		entry.PrevHash = l.prevHash
		if entry.EntryHash, err = computeHash(entry); err != nil {
			l.dropped.Add(1)
			return
		}
		if data, err = json.Marshal(entry); err != nil {
			l.dropped.Add(1)
			return
		}
		data = append(data, '\n')
	}

	n, err := l.file.Write(data)
	if err != nil {
		log.Error("failed to write audit entry", logging.KeyError, err.Error(), "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync audit entry", logging.KeyError, err.Error(), "eventType", eventType)
		}
	}
}

// Close closes the audit file. Safe on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// DroppedCount returns the number of entries that failed to write, or -1 on a
// nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// computeHash hashes length-prefixed fields so no delimiter can collide.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.RunID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	prevHashBeforeRotation := l.prevHash

	if l.file != nil {
		l.file.Close()
	}

	for i := l.maxBackups; i >= 2; i-- {
		src := l.backupName(i - 1)
		dst := l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit rotation: failed to remove oldest backup", "path", dst, logging.KeyError, err.Error())
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit rotation: failed to rename backup", "src", src, "dst", dst, logging.KeyError, err.Error())
		}
	}

	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation: failed to rename current log", logging.KeyError, err.Error())
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  prevHashBeforeRotation,
		Details:   map[string]any{"previousFile": l.backupName(1)},
	}
	hash, err := computeHash(sentinel)
	if err != nil {
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}
	sentinel.EntryHash = hash

	data, err := json.Marshal(sentinel)
	if err != nil {
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}
	n, err := l.file.Write(append(data, '\n'))
	if err != nil {
		log.Error("audit rotation sentinel write failed, hash chain broken", logging.KeyError, err.Error())
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}
	l.written += int64(n)
	l.prevHash = sentinel.EntryHash
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}

// ReadEntries decodes every line of an audit file.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return entries, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func lastHash(path string) (string, bool) {
	entries, err := ReadEntries(path)
	if err != nil || len(entries) == 0 {
		return "", false
	}
	return entries[len(entries)-1].EntryHash, true
}

// ErrChainBroken reports a tampered or truncated audit file.
var ErrChainBroken = errors.New("audit hash chain broken")

// Verify recomputes every hash in path and checks the links between entries.
// It returns the number of entries checked.
func Verify(path string) (int, error) {
	entries, err := ReadEntries(path)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		want, err := computeHash(Entry{
			Timestamp: e.Timestamp,
			EventType: e.EventType,
			RunID:     e.RunID,
			Details:   e.Details,
			PrevHash:  e.PrevHash,
		})
		if err != nil {
			return i, err
		}
		if want != e.EntryHash {
			return i, fmt.Errorf("entry %d (%s): %w: hash does not match content", i+1, e.EventType, ErrChainBroken)
		}
		if i > 0 && e.PrevHash != entries[i-1].EntryHash {
			return i, fmt.Errorf("entry %d (%s): %w: prevHash does not link", i+1, e.EventType, ErrChainBroken)
		}
	}
	return len(entries), nil
}
