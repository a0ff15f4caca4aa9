// Package store persists the face encoding database: known persons,
// ignored faces, hard negatives and the processed-file ledger. Files live
// under a single data directory and are written atomically under file
// locks so independent processes (CLI, API server, refinement jobs) never
// observe a partially-written database.
package store

import (
	"time"
)

// legacyBackend is assigned to entries recorded before backend metadata
// existed.
const legacyBackend = "dlib"

// EncodingEntry is one face embedding with its provenance. Entries without
// an embedding are valid (manual assignments) and are never compared.
type EncodingEntry struct {
	Embedding      []float32  `json:"embedding,omitempty"`
	SourceFile     string     `json:"file,omitempty"`
	SourceFileHash string     `json:"hash,omitempty"`
	Backend        string     `json:"backend"`
	BackendVersion string     `json:"backend_version"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	IdentityHash   string     `json:"encoding_hash,omitempty"`
}

// HasEmbedding reports whether the entry carries an embedding vector.
func (e *EncodingEntry) HasEmbedding() bool {
	return len(e.Embedding) > 0
}

// ProcessedFile marks a source image as fully handled.
type ProcessedFile struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// Database is the full in-memory state of the persistent store.
type Database struct {
	Known         map[string][]EncodingEntry
	Ignored       []EncodingEntry
	HardNegatives map[string][]EncodingEntry
	Processed     []ProcessedFile
}

// NewDatabase returns an empty database with all maps initialized.
func NewDatabase() *Database {
	return &Database{
		Known:         make(map[string][]EncodingEntry),
		HardNegatives: make(map[string][]EncodingEntry),
	}
}

// Clone deep-copies the database. Workers receive a clone as a read-only
// snapshot so the main process can keep mutating its own copy.
func (db *Database) Clone() *Database {
	out := NewDatabase()
	for name, entries := range db.Known {
		out.Known[name] = cloneEntries(entries)
	}
	out.Ignored = cloneEntries(db.Ignored)
	for name, entries := range db.HardNegatives {
		out.HardNegatives[name] = cloneEntries(entries)
	}
	out.Processed = append([]ProcessedFile(nil), db.Processed...)
	return out
}

func cloneEntries(entries []EncodingEntry) []EncodingEntry {
	if entries == nil {
		return nil
	}
	out := make([]EncodingEntry, len(entries))
	for i, e := range entries {
		out[i] = e
		if e.Embedding != nil {
			out[i].Embedding = append([]float32(nil), e.Embedding...)
		}
		if e.CreatedAt != nil {
			t := *e.CreatedAt
			out[i].CreatedAt = &t
		}
	}
	return out
}

// EncodingCount returns the total number of entries across known persons.
func (db *Database) EncodingCount() int {
	n := 0
	for _, entries := range db.Known {
		n += len(entries)
	}
	return n
}

// IsProcessed reports whether a file was already fully handled, matching
// by name first and then by content hash.
func (db *Database) IsProcessed(name, hash string) bool {
	for _, p := range db.Processed {
		if p.Name == name {
			return true
		}
	}
	if hash == "" {
		return false
	}
	for _, p := range db.Processed {
		if p.Hash != "" && p.Hash == hash {
			return true
		}
	}
	return false
}

// MarkProcessed appends a file to the processed ledger.
func (db *Database) MarkProcessed(name, hash string) {
	db.Processed = append(db.Processed, ProcessedFile{Name: name, Hash: hash})
}
