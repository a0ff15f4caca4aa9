package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	return s
}

func testEntry(embedding []float32, file string) EncodingEntry {
	return EncodingEntry{
		Embedding:      embedding,
		SourceFile:     file,
		SourceFileHash: "filehash",
		Backend:        "dlib",
		BackendVersion: "19.24",
		IdentityHash:   EncodingHash(embedding),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := testStore(t)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	db := NewDatabase()
	alice := testEntry([]float32{0.1, 0.2, 0.3}, "alice.jpg")
	alice.CreatedAt = &now
	db.Known["alice"] = []EncodingEntry{alice}
	db.Known["bob"] = []EncodingEntry{testEntry([]float32{0.4, 0.5, 0.6}, "bob.jpg")}
	db.Ignored = []EncodingEntry{testEntry([]float32{0.7, 0.8, 0.9}, "stranger.jpg")}
	db.HardNegatives["alice"] = []EncodingEntry{testEntry([]float32{0.2, 0.1, 0.0}, "not_alice.jpg")}
	db.MarkProcessed("alice.jpg", "hash-a")

	if err := s.Save(db); err != nil {
		t.Fatalf("saving database: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("loading database: %v", err)
	}

	if len(loaded.Known) != 2 {
		t.Fatalf("expected 2 known persons, got %d", len(loaded.Known))
	}
	got := loaded.Known["alice"][0]
	if got.SourceFile != "alice.jpg" || got.Backend != "dlib" || got.BackendVersion != "19.24" {
		t.Errorf("unexpected alice entry: %+v", got)
	}
	if got.CreatedAt == nil || !got.CreatedAt.Equal(now) {
		t.Errorf("expected created_at %v, got %v", now, got.CreatedAt)
	}
	if got.IdentityHash != EncodingHash([]float32{0.1, 0.2, 0.3}) {
		t.Errorf("identity hash not preserved")
	}
	if len(loaded.Ignored) != 1 {
		t.Errorf("expected 1 ignored entry, got %d", len(loaded.Ignored))
	}
	if len(loaded.HardNegatives["alice"]) != 1 {
		t.Errorf("expected 1 hard negative for alice, got %d", len(loaded.HardNegatives["alice"]))
	}
	if !loaded.IsProcessed("alice.jpg", "") {
		t.Errorf("expected alice.jpg in the processed ledger")
	}
}

func TestLoadMissingFilesYieldsEmptyDatabase(t *testing.T) {
	s := testStore(t)

	db, err := s.Load()
	if err != nil {
		t.Fatalf("loading empty store: %v", err)
	}
	if len(db.Known) != 0 || len(db.Ignored) != 0 || len(db.HardNegatives) != 0 || len(db.Processed) != 0 {
		t.Errorf("expected empty database, got %+v", db)
	}
}

func TestLoadRejectsInvalidMagic(t *testing.T) {
	s := testStore(t)

	path := filepath.Join(s.Dir(), knownFile)
	if err := os.WriteFile(path, []byte("NOTADB!!\x01junk"), 0o644); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	if _, err := s.Load(); err == nil {
		t.Fatal("expected load to fail on invalid magic header")
	}
}

func TestLoadRejectsUnsupportedVersion(t *testing.T) {
	s := testStore(t)

	path := filepath.Join(s.Dir(), knownFile)
	if err := os.WriteFile(path, append([]byte(collectionMagic), 99), 0o644); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	if _, err := s.Load(); err == nil {
		t.Fatal("expected load to fail on unsupported codec version")
	}
}

func TestLoadRejectsTruncatedGobStream(t *testing.T) {
	s := testStore(t)

	db := NewDatabase()
	db.Known["alice"] = []EncodingEntry{testEntry([]float32{1, 2, 3}, "a.jpg")}
	if err := s.Save(db); err != nil {
		t.Fatalf("saving database: %v", err)
	}

	path := filepath.Join(s.Dir(), knownFile)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading collection file: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)-5], 0o644); err != nil {
		t.Fatalf("truncating collection file: %v", err)
	}

	if _, err := s.Load(); err == nil {
		t.Fatal("expected load to fail on truncated stream")
	}
}

func TestSaveOverwritesAtomically(t *testing.T) {
	s := testStore(t)

	db := NewDatabase()
	db.Known["alice"] = []EncodingEntry{testEntry([]float32{1, 0, 0}, "a.jpg")}
	if err := s.Save(db); err != nil {
		t.Fatalf("first save: %v", err)
	}

	db.Known["bob"] = []EncodingEntry{testEntry([]float32{0, 1, 0}, "b.jpg")}
	if err := s.Save(db); err != nil {
		t.Fatalf("second save: %v", err)
	}

	// No temp files left behind.
	matches, err := filepath.Glob(filepath.Join(s.Dir(), "*.tmp"))
	if err != nil {
		t.Fatalf("globbing temp files: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("leftover temp files after save: %v", matches)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("loading database: %v", err)
	}
	if len(loaded.Known) != 2 {
		t.Errorf("expected 2 persons after second save, got %d", len(loaded.Known))
	}
}

func TestLoadDuringSaveObservesOldContent(t *testing.T) {
	s := testStore(t)

	db := NewDatabase()
	db.Known["alice"] = []EncodingEntry{testEntry([]float32{1, 0, 0}, "a.jpg")}
	if err := s.Save(db); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	// A writer caught mid-save: its temp file sits next to the collection,
	// partially written, not yet renamed.
	tmp := filepath.Join(s.Dir(), knownFile+".tmp")
	if err := os.WriteFile(tmp, []byte(collectionMagic), 0o644); err != nil {
		t.Fatalf("simulating in-flight temp file: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("loading while a save is in flight: %v", err)
	}
	if len(loaded.Known) != 1 || len(loaded.Known["alice"]) != 1 {
		t.Errorf("reader must see the previous content, got %d persons", len(loaded.Known))
	}

	// The writer finishes: the rename lands the new content in one step and
	// replaces the temp file.
	db.Known["bob"] = []EncodingEntry{testEntry([]float32{0, 1, 0}, "b.jpg")}
	if err := s.Save(db); err != nil {
		t.Fatalf("completing save: %v", err)
	}

	loaded, err = s.Load()
	if err != nil {
		t.Fatalf("loading after save: %v", err)
	}
	if len(loaded.Known) != 2 {
		t.Errorf("reader must see the new content after rename, got %d persons", len(loaded.Known))
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("temp file still present after the save completed")
	}
}

func TestProcessedLedgerLegacyLines(t *testing.T) {
	s := testStore(t)

	legacy := "old_photo.jpg\n" +
		`{"name":"new_photo.jpg","hash":"abc123"}` + "\n"
	if err := os.WriteFile(filepath.Join(s.Dir(), processedFile), []byte(legacy), 0o644); err != nil {
		t.Fatalf("writing legacy ledger: %v", err)
	}

	db, err := s.Load()
	if err != nil {
		t.Fatalf("loading database: %v", err)
	}
	if len(db.Processed) != 2 {
		t.Fatalf("expected 2 processed entries, got %d", len(db.Processed))
	}
	if db.Processed[0].Name != "old_photo.jpg" || db.Processed[0].Hash != "" {
		t.Errorf("legacy line parsed wrong: %+v", db.Processed[0])
	}
	if db.Processed[1].Name != "new_photo.jpg" || db.Processed[1].Hash != "abc123" {
		t.Errorf("json line parsed wrong: %+v", db.Processed[1])
	}
}

func TestNormalizeAssignsLegacyBackend(t *testing.T) {
	s := testStore(t)

	db := NewDatabase()
	db.Known["alice"] = []EncodingEntry{{
		Embedding:  []float32{0.5, 0.5},
		SourceFile: "old.jpg",
	}}
	if err := s.Save(db); err != nil {
		t.Fatalf("saving database: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("loading database: %v", err)
	}
	e := loaded.Known["alice"][0]
	if e.Backend != legacyBackend {
		t.Errorf("expected legacy backend %q, got %q", legacyBackend, e.Backend)
	}
	if e.BackendVersion != "unknown" {
		t.Errorf("expected backend version %q, got %q", "unknown", e.BackendVersion)
	}
	if e.IdentityHash != EncodingHash([]float32{0.5, 0.5}) {
		t.Errorf("expected identity hash to be computed on load")
	}
}

func TestIsProcessedMatchesByHash(t *testing.T) {
	db := NewDatabase()
	db.MarkProcessed("photo.jpg", "deadbeef")

	if !db.IsProcessed("photo.jpg", "") {
		t.Errorf("expected match by name")
	}
	if !db.IsProcessed("renamed.jpg", "deadbeef") {
		t.Errorf("expected match by content hash")
	}
	if db.IsProcessed("other.jpg", "cafebabe") {
		t.Errorf("unexpected match for unknown file")
	}
	if db.IsProcessed("other.jpg", "") {
		t.Errorf("empty hash must not match anything")
	}
}

func TestCloneIsDeep(t *testing.T) {
	db := NewDatabase()
	db.Known["alice"] = []EncodingEntry{testEntry([]float32{1, 2, 3}, "a.jpg")}
	db.MarkProcessed("a.jpg", "h")

	clone := db.Clone()
	clone.Known["alice"][0].Embedding[0] = 99
	clone.Known["bob"] = []EncodingEntry{testEntry([]float32{4, 5, 6}, "b.jpg")}
	clone.Processed[0].Name = "changed.jpg"

	if db.Known["alice"][0].Embedding[0] != 1 {
		t.Errorf("clone shares embedding storage with original")
	}
	if _, ok := db.Known["bob"]; ok {
		t.Errorf("clone shares the known map with original")
	}
	if db.Processed[0].Name != "a.jpg" {
		t.Errorf("clone shares the processed ledger with original")
	}
}

func TestEncodingHash(t *testing.T) {
	a := EncodingHash([]float32{0.1, 0.2, 0.3})
	b := EncodingHash([]float32{0.1, 0.2, 0.3})
	c := EncodingHash([]float32{0.1, 0.2, 0.4})

	if a == "" || len(a) != 40 {
		t.Fatalf("expected 40-char sha1 hex, got %q", a)
	}
	if a != b {
		t.Errorf("same embedding must hash identically")
	}
	if a == c {
		t.Errorf("different embeddings must hash differently")
	}
	if EncodingHash(nil) != "" {
		t.Errorf("empty embedding must hash to empty string")
	}
}

func TestFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	// sha1("hello")
	want := "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"
	if got := FileHash(path); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if FileHash(filepath.Join(t.TempDir(), "missing")) != "" {
		t.Errorf("missing file must hash to empty string")
	}
}

func TestServiceCachesWithinTTL(t *testing.T) {
	s := testStore(t)
	svc, err := NewService(s)
	if err != nil {
		t.Fatalf("creating service: %v", err)
	}

	db1, err := svc.Database()
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	db2, err := svc.Database()
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if db1 != db2 {
		t.Errorf("expected cached database within the TTL window")
	}

	db3, err := svc.Reload()
	if err != nil {
		t.Fatalf("forced reload: %v", err)
	}
	if db3 == db1 {
		t.Errorf("reload must bypass the cache")
	}
}

func TestServiceSaveAdoptsState(t *testing.T) {
	s := testStore(t)
	svc, err := NewService(s)
	if err != nil {
		t.Fatalf("creating service: %v", err)
	}

	db, err := svc.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	db.Known["alice"] = []EncodingEntry{testEntry([]float32{1, 0}, "a.jpg")}
	if err := svc.Save(db); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := svc.Database()
	if err != nil {
		t.Fatalf("read after save: %v", err)
	}
	if len(got.Known["alice"]) != 1 {
		t.Errorf("saved state not visible through the service")
	}

	fresh, err := s.Load()
	if err != nil {
		t.Fatalf("direct load: %v", err)
	}
	if len(fresh.Known["alice"]) != 1 {
		t.Errorf("saved state not visible on disk")
	}
}
