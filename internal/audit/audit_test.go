package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNilLoggerLogDoesNotPanic(t *testing.T) {
	var l *Logger
	l.Log(EventCacheClear, "run-1", map[string]any{"source": "Winget"})
}

func TestNilLoggerCloseDoesNotPanic(t *testing.T) {
	var l *Logger
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close() returned error: %v", err)
	}
	if l.Path() != "" {
		t.Fatalf("nil Path() = %q, want empty", l.Path())
	}
}

func TestNilLoggerDroppedCountReturnsNegOne(t *testing.T) {
	var l *Logger
	if got := l.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
}

func TestWorkingLoggerDroppedCountReturnsZero(t *testing.T) {
	l := newTestLogger(t)
	defer l.Close()
	if got := l.DroppedCount(); got != 0 {
		t.Fatalf("DroppedCount() = %d, want 0", got)
	}
}

func TestLogWritesJSONLEntry(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventRunStart, "run-1", map[string]any{"sources": []string{"Winget"}})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.EventType != EventRunStart {
		t.Fatalf("eventType = %q, want %q", entry.EventType, EventRunStart)
	}
	if entry.RunID != "run-1" {
		t.Fatalf("runId = %q, want run-1", entry.RunID)
	}
	if entry.PrevHash != genesisHash {
		t.Fatalf("prevHash = %q, want genesis", entry.PrevHash)
	}
	if entry.EntryHash == "" {
		t.Fatal("entryHash is empty")
	}
}

func TestHashChainLinking(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventRunStart, "run-1", nil)
	l.Log(EventPackageUpgrade, "run-1", map[string]any{"package": "Git.Git", "source": "Winget"})
	l.Log(EventRunComplete, "run-1", map[string]any{"failed": 0})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != genesisHash {
		t.Fatalf("entry[0].PrevHash = %q, want genesis", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry[%d].PrevHash = %q, want %q", i, entries[i].PrevHash, entries[i-1].EntryHash)
		}
	}
	if n, err := Verify(l.filePath); err != nil || n != 3 {
		t.Fatalf("Verify() = %d, %v; want 3, nil", n, err)
	}
}

func TestOpenContinuesExistingChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	first, err := Open(path, 1, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first.Log(EventRunStart, "run-1", nil)
	first.Close()

	second, err := Open(path, 1, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	second.Log(EventRunStart, "run-2", nil)
	second.Close()

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].PrevHash != entries[0].EntryHash {
		t.Fatal("reopened logger did not continue the chain")
	}
	if _, err := Verify(path); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventRollback, "", map[string]any{"package": "7zip", "version": "23.1"})
	l.Log(EventCacheClear, "", map[string]any{"source": "all"})
	l.Close()

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), "23.1", "99.9", 1)
	if err := os.WriteFile(l.filePath, []byte(tampered), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Verify(l.filePath); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("Verify() error = %v, want ErrChainBroken", err)
	}
}

func TestRotationWritesSentinel(t *testing.T) {
	l := newTestLogger(t)
	l.maxSize = 200

	for i := 0; i < 10; i++ {
		l.Log(EventPackageUpgrade, "run-x", map[string]any{"i": i})
	}
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) == 0 {
		t.Fatal("no entries in current log file after rotation")
	}
	if entries[0].EventType != EventLogRotated {
		t.Fatalf("first entry eventType = %q, want %q", entries[0].EventType, EventLogRotated)
	}
	prevFile, _ := entries[0].Details["previousFile"].(string)
	if prevFile == "" {
		t.Fatal("sentinel has no previousFile in details")
	}
	if entries[0].PrevHash == "" || entries[0].PrevHash == genesisHash {
		t.Fatalf("sentinel prevHash = %q, should link to the old file", entries[0].PrevHash)
	}
}

func TestRotationSentinelCrossFileHashChain(t *testing.T) {
	l := newTestLogger(t)
	l.maxSize = 200

	for i := 0; i < 10; i++ {
		l.Log(EventPackageUpgrade, "run-x", map[string]any{"i": i})
	}
	l.Close()

	entries := readEntries(t, l.filePath)
	backup := readEntries(t, l.filePath+".1")
	if len(entries) == 0 || len(backup) == 0 {
		t.Fatal("expected entries in current and backup files")
	}
	if entries[0].PrevHash != backup[len(backup)-1].EntryHash {
		t.Fatalf("sentinel prevHash = %q, want %q", entries[0].PrevHash, backup[len(backup)-1].EntryHash)
	}
	if _, err := Verify(l.filePath); err != nil {
		t.Fatalf("entries after the sentinel should link to it: %v", err)
	}
}

func TestCriticalEventsSet(t *testing.T) {
	for _, e := range []string{EventPackageUpgrade, EventRollback, EventRestorePoint, EventConfigChange} {
		if !criticalEvents[e] {
			t.Errorf("event %q should be in criticalEvents", e)
		}
	}
	for _, e := range []string{EventRunStart, EventRunComplete, EventCacheClear} {
		if criticalEvents[e] {
			t.Errorf("event %q should NOT be in criticalEvents", e)
		}
	}
}

func TestDroppedCountIncrementsOnWriteFailure(t *testing.T) {
	l := newTestLogger(t)

	l.file.Close()
	f, err := os.Open(l.filePath)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	l.file = f

	l.Log(EventPriorityChange, "", nil)

	if got := l.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
	l.file.Close()
}

func TestLengthPrefixedHashDistinguishesFields(t *testing.T) {
	a, err := computeHash(Entry{Timestamp: "t", EventType: "a|b", RunID: "c", PrevHash: "p"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := computeHash(Entry{Timestamp: "t", EventType: "a", RunID: "b|c", PrevHash: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("hashes of different field splits collide")
	}
}

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.jsonl"), 50, 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func readEntries(t *testing.T, filePath string) []Entry {
	t.Helper()
	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entries []Entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}
