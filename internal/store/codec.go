package store

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// The collection files are gob streams behind a fixed magic header. Decoding
// goes through decodeStrict, which only ever materializes the concrete wire
// types below: numeric slices, strings and maps of them. A stream that
// references any other type, overruns the size cap, or carries the wrong
// header is rejected outright and logged as a security event -- a corrupted
// or hostile store file must never influence program behavior beyond the
// failed load.

const (
	collectionMagic = "FACEIDDB"
	codecVersion    = byte(1)

	// maxCollectionBytes caps how much of a collection file the decoder is
	// willing to read. Real databases are a few hundred MB at most.
	maxCollectionBytes = 1 << 31
)

// ErrForbiddenPayload is returned when a collection file fails the
// restricted decoding checks.
var ErrForbiddenPayload = errors.New("store: forbidden payload in collection file")

// wireEntry is the only entry shape the decoder accepts.
type wireEntry struct {
	Embedding      []float32
	SourceFile     string
	SourceFileHash string
	Backend        string
	BackendVersion string
	CreatedAtUnix  int64 // 0 means unset
	IdentityHash   string
}

type wireNamed struct {
	Name    string
	Entries []wireEntry
}

// wireCollection is the on-disk shape shared by all three collections. A
// mapping is stored as Named, a flat list as Entries.
type wireCollection struct {
	Named   []wireNamed
	Entries []wireEntry
}

func encodeCollection(w io.Writer, col wireCollection) error {
	if _, err := w.Write([]byte(collectionMagic)); err != nil {
		return err
	}
	if _, err := w.Write([]byte{codecVersion}); err != nil {
		return err
	}
	return gob.NewEncoder(w).Encode(col)
}

// decodeStrict reads a collection file, failing closed on any deviation
// from the expected format.
func decodeStrict(r io.Reader, log zerolog.Logger) (wireCollection, error) {
	var col wireCollection

	header := make([]byte, len(collectionMagic)+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return col, fmt.Errorf("reading collection header: %w", err)
	}
	if !bytes.Equal(header[:len(collectionMagic)], []byte(collectionMagic)) {
		log.Error().Str("event", "security").Msg("collection file has invalid magic header, refusing to load")
		return col, ErrForbiddenPayload
	}
	if header[len(collectionMagic)] != codecVersion {
		log.Error().Str("event", "security").Int("version", int(header[len(collectionMagic)])).Msg("collection file has unsupported codec version, refusing to load")
		return col, ErrForbiddenPayload
	}

	limited := &io.LimitedReader{R: r, N: maxCollectionBytes}
	if err := gob.NewDecoder(limited).Decode(&col); err != nil {
		log.Error().Str("event", "security").Err(err).Msg("collection file failed restricted decoding, refusing to load")
		return wireCollection{}, fmt.Errorf("%w: %v", ErrForbiddenPayload, err)
	}
	if limited.N == 0 {
		log.Error().Str("event", "security").Msg("collection file exceeds size cap, refusing to load")
		return wireCollection{}, ErrForbiddenPayload
	}
	return col, nil
}

func toWireEntries(entries []EncodingEntry) []wireEntry {
	out := make([]wireEntry, len(entries))
	for i, e := range entries {
		out[i] = wireEntry{
			Embedding:      e.Embedding,
			SourceFile:     e.SourceFile,
			SourceFileHash: e.SourceFileHash,
			Backend:        e.Backend,
			BackendVersion: e.BackendVersion,
			IdentityHash:   e.IdentityHash,
		}
		if e.CreatedAt != nil {
			out[i].CreatedAtUnix = e.CreatedAt.Unix()
		}
	}
	return out
}

func fromWireEntries(entries []wireEntry) []EncodingEntry {
	out := make([]EncodingEntry, len(entries))
	for i, e := range entries {
		out[i] = EncodingEntry{
			Embedding:      e.Embedding,
			SourceFile:     e.SourceFile,
			SourceFileHash: e.SourceFileHash,
			Backend:        e.Backend,
			BackendVersion: e.BackendVersion,
			IdentityHash:   e.IdentityHash,
		}
		if e.CreatedAtUnix != 0 {
			t := unixTime(e.CreatedAtUnix)
			out[i].CreatedAt = &t
		}
	}
	return out
}

func toWireMapping(m map[string][]EncodingEntry) wireCollection {
	named := make([]wireNamed, 0, len(m))
	for name, entries := range m {
		named = append(named, wireNamed{Name: name, Entries: toWireEntries(entries)})
	}
	return wireCollection{Named: named}
}

func fromWireMapping(col wireCollection) map[string][]EncodingEntry {
	m := make(map[string][]EncodingEntry, len(col.Named))
	for _, n := range col.Named {
		m[n.Name] = fromWireEntries(n.Entries)
	}
	return m
}
