package pipeline

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/kozaktomas/faceid/internal/store"
)

// Cache persists preprocessing results so an interrupted run resumes where
// it stopped instead of re-running detection. One record per image, keyed
// by the hash of the image path; preview images are copied alongside so
// they survive a restart.
type Cache struct {
	dir string
	log zerolog.Logger
}

type cacheRecord struct {
	Path     string
	Attempts []AttemptResult
}

// NewCache creates a cache rooted at dir.
func NewCache(dir string, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{dir: dir, log: log}, nil
}

func (c *Cache) recordPath(imagePath string) string {
	return filepath.Join(c.dir, store.PathKey(imagePath)+".gob")
}

// Save persists the attempts for an image. Preview files referenced by the
// attempts are copied into the cache directory and the stored entries are
// rewritten to point at the copies. Returns the updated attempt list.
func (c *Cache) Save(imagePath string, attempts []AttemptResult) ([]AttemptResult, error) {
	key := store.PathKey(imagePath)

	cached := append([]AttemptResult(nil), attempts...)
	for i := range cached {
		prev := cached[i].PreviewPath
		if prev == "" {
			continue
		}
		dest := filepath.Join(c.dir, fmt.Sprintf("%s_a%d.jpg", key, cached[i].AttemptIndex))
		if prev != dest {
			if err := copyFile(prev, dest); err != nil {
				c.log.Warn().Err(err).Str("preview", prev).Msg("failed to copy preview into cache")
				continue
			}
		}
		cached[i].PreviewPath = dest
	}

	f, err := os.OpenFile(c.recordPath(imagePath), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return cached, fmt.Errorf("creating cache record: %w", err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(cacheRecord{Path: imagePath, Attempts: cached}); err != nil {
		return cached, fmt.Errorf("encoding cache record: %w", err)
	}
	return cached, nil
}

// LoadAll returns the cached attempts of every image that still exists on
// disk. Records whose source image has vanished are deleted along with
// their previews; unreadable records are removed and skipped.
func (c *Cache) LoadAll() (map[string][]AttemptResult, error) {
	files, err := filepath.Glob(filepath.Join(c.dir, "*.gob"))
	if err != nil {
		return nil, err
	}

	out := make(map[string][]AttemptResult)
	for _, file := range files {
		rec, err := c.readRecord(file)
		if err != nil {
			c.log.Warn().Err(err).Str("file", file).Msg("removing unreadable cache record")
			os.Remove(file)
			continue
		}
		if !fileExists(rec.Path) {
			c.log.Warn().Str("image", rec.Path).Msg("cached image no longer exists, removing cache entry")
			c.Remove(rec.Path)
			continue
		}
		out[rec.Path] = rec.Attempts
	}
	return out, nil
}

func (c *Cache) readRecord(file string) (cacheRecord, error) {
	var rec cacheRecord
	f, err := os.Open(file)
	if err != nil {
		return rec, err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Remove deletes an image's cache record and preview copies.
func (c *Cache) Remove(imagePath string) {
	os.Remove(c.recordPath(imagePath))
	key := store.PathKey(imagePath)
	previews, err := filepath.Glob(filepath.Join(c.dir, key+"_a*.jpg"))
	if err != nil {
		return
	}
	for _, p := range previews {
		os.Remove(p)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
