package security

import (
	"fmt"
	"time"

	"github.com/breeze-rmm/winpatch/internal/docstore"
	"github.com/breeze-rmm/winpatch/internal/patching"
)

// HashRecord is the last accepted digest for one package.
type HashRecord struct {
	PackageName string          `json:"PackageName"`
	Source      patching.Source `json:"Source"`
	Version     string          `json:"Version"`
	Hash        string          `json:"Hash"`
	Algorithm   Algorithm       `json:"Algorithm"`
	FilePath    string          `json:"FilePath"`
	Timestamp   string          `json:"Timestamp"`
}

// HashDatabase is the persisted digest document, keyed by "<Source>/<PackageName>".
type HashDatabase struct {
	CreatedAt   string                `json:"CreatedAt"`
	LastUpdated string                `json:"LastUpdated"`
	Packages    map[string]HashRecord `json:"Packages"`
}

// HashKey returns the database key for (src, pkg).
func HashKey(src patching.Source, pkg string) string {
	return string(src) + "/" + pkg
}

// HashStore reads and writes the hash database.
type HashStore struct {
	store *docstore.Store
	now   func() time.Time
}

// OpenHashStore returns a store for the document at path.
func OpenHashStore(path string, now func() time.Time) *HashStore {
	if now == nil {
		now = time.Now
	}
	return &HashStore{store: docstore.New(path), now: now}
}

// Path returns the document path.
func (h *HashStore) Path() string { return h.store.Path() }

// Load returns the database. Missing or corrupt documents yield an empty one.
func (h *HashStore) Load() HashDatabase {
	var db HashDatabase
	if _, err := h.store.Read(&db); err != nil {
		log.Warn("hash database unreadable, treating as empty", "path", h.store.Path(), "error", err.Error())
		db = HashDatabase{}
	}
	if db.Packages == nil {
		db.Packages = map[string]HashRecord{}
	}
	return db
}

// Lookup returns the stored record for (src, pkg).
func (h *HashStore) Lookup(src patching.Source, pkg string) (HashRecord, bool) {
	rec, ok := h.Load().Packages[HashKey(src, pkg)]
	return rec, ok
}

// Save overwrites the record for (rec.Source, rec.PackageName).
func (h *HashStore) Save(rec HashRecord) error {
	now := docstore.FormatTime(h.now())
	if rec.Timestamp == "" {
		rec.Timestamp = now
	}
	err := docstore.Update(h.store, func(db *HashDatabase, found bool) error {
		if !found || db.CreatedAt == "" {
			db.CreatedAt = now
		}
		if db.Packages == nil {
			db.Packages = map[string]HashRecord{}
		}
		db.Packages[HashKey(rec.Source, rec.PackageName)] = rec
		db.LastUpdated = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("save hash for %s/%s: %w", rec.Source, rec.PackageName, err)
	}
	return nil
}
