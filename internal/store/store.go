package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// File names inside the data directory.
const (
	knownFile      = "encodings.db"
	ignoredFile    = "ignored.db"
	hardNegFile    = "hardneg.db"
	processedFile  = "processed_files.jsonl"
	attemptLogFile = "attempt_stats.jsonl"
	archiveDirName = "archive"
	cacheDirName   = "preprocessed_cache"
	settingsSig    = "attempt_settings.sig"
)

// Store reads and writes the face database under a single data directory.
type Store struct {
	dir string
	log zerolog.Logger
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// DefaultDir returns the XDG data directory for the face database.
func DefaultDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "faceid")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "faceid-data"
	}
	return filepath.Join(home, ".local", "share", "faceid")
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// CacheDir returns the resumable preprocessing cache directory.
func (s *Store) CacheDir() string {
	return filepath.Join(s.dir, cacheDirName)
}

// ArchiveDir returns the attempt-log archive directory.
func (s *Store) ArchiveDir() string {
	return filepath.Join(s.dir, archiveDirName)
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// Load reads all collections plus the processed ledger. Missing files yield
// empty collections. Entries are normalized on the way in: legacy entries
// get a default backend and missing identity hashes are computed, so call
// sites never have to branch on storage vintage.
func (s *Store) Load() (*Database, error) {
	db := NewDatabase()

	col, err := s.readCollection(s.path(knownFile))
	if err != nil {
		return nil, fmt.Errorf("loading known faces: %w", err)
	}
	db.Known = fromWireMapping(col)

	col, err = s.readCollection(s.path(ignoredFile))
	if err != nil {
		return nil, fmt.Errorf("loading ignored faces: %w", err)
	}
	db.Ignored = fromWireEntries(col.Entries)

	col, err = s.readCollection(s.path(hardNegFile))
	if err != nil {
		return nil, fmt.Errorf("loading hard negatives: %w", err)
	}
	db.HardNegatives = fromWireMapping(col)

	db.Processed, err = s.readProcessed()
	if err != nil {
		return nil, fmt.Errorf("loading processed ledger: %w", err)
	}

	s.normalize(db)
	return db, nil
}

// Save writes all collections atomically. Each file is written to a temp
// path under an exclusive lock, synced, then renamed over the target; a
// concurrent reader observes either the old or the new content, never a
// partial write.
func (s *Store) Save(db *Database) error {
	if err := s.writeCollection(s.path(knownFile), toWireMapping(db.Known)); err != nil {
		return fmt.Errorf("saving known faces: %w", err)
	}
	if err := s.writeCollection(s.path(ignoredFile), wireCollection{Entries: toWireEntries(db.Ignored)}); err != nil {
		return fmt.Errorf("saving ignored faces: %w", err)
	}
	if err := s.writeCollection(s.path(hardNegFile), toWireMapping(db.HardNegatives)); err != nil {
		return fmt.Errorf("saving hard negatives: %w", err)
	}
	if err := s.writeProcessed(db.Processed); err != nil {
		return fmt.Errorf("saving processed ledger: %w", err)
	}
	return nil
}

func (s *Store) readCollection(path string) (wireCollection, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return wireCollection{}, nil
	}
	if err != nil {
		return wireCollection{}, err
	}
	defer f.Close()

	// Shared lock: concurrent readers are fine, writers wait.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return wireCollection{}, fmt.Errorf("locking %s: %w", filepath.Base(path), err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	return decodeStrict(bufio.NewReader(f), s.log)
}

func (s *Store) writeCollection(path string, col wireCollection) error {
	return s.atomicWrite(path, func(f *os.File) error {
		w := bufio.NewWriter(f)
		if err := encodeCollection(w, col); err != nil {
			return err
		}
		return w.Flush()
	})
}

// atomicWrite writes to path via a locked temp file and rename. The temp
// file is removed if anything fails before the rename.
func (s *Store) atomicWrite(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	cleanup := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return cleanup(fmt.Errorf("locking temp file: %w", err))
	}
	if err := write(f); err != nil {
		return cleanup(err)
	}
	if err := f.Sync(); err != nil {
		return cleanup(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) readProcessed() ([]ProcessedFile, error) {
	f, err := os.Open(s.path(processedFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("locking processed ledger: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	var out []ProcessedFile
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry ProcessedFile
		if err := json.Unmarshal(line, &entry); err == nil && entry.Name != "" {
			out = append(out, entry)
			continue
		}
		// Legacy format: bare file name per line.
		out = append(out, ProcessedFile{Name: string(line)})
	}
	return out, scanner.Err()
}

func (s *Store) writeProcessed(entries []ProcessedFile) error {
	return s.atomicWrite(s.path(processedFile), func(f *os.File) error {
		w := bufio.NewWriter(f)
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return w.Flush()
	})
}

// normalize migrates loaded entries to the current format in one pass.
func (s *Store) normalize(db *Database) {
	migrated := 0
	for name, entries := range db.Known {
		db.Known[name], migrated = normalizeEntries(entries, migrated)
	}
	db.Ignored, migrated = normalizeEntries(db.Ignored, migrated)
	for name, entries := range db.HardNegatives {
		db.HardNegatives[name], migrated = normalizeEntries(entries, migrated)
	}
	if migrated > 0 {
		s.log.Info().Int("count", migrated).Msg("migrated encodings to current format")
	}
}

func normalizeEntries(entries []EncodingEntry, migrated int) ([]EncodingEntry, int) {
	for i := range entries {
		e := &entries[i]
		if e.Backend == "" {
			e.Backend = legacyBackend
			migrated++
		}
		if e.BackendVersion == "" {
			e.BackendVersion = "unknown"
		}
		if e.IdentityHash == "" && e.HasEmbedding() {
			e.IdentityHash = EncodingHash(e.Embedding)
		}
	}
	return entries, migrated
}
