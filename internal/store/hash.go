package store

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// FileHash computes the SHA1 of a file using chunked reading.
// Returns an empty string on error; callers treat the hash as optional.
func FileHash(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// EncodingHash computes the SHA1 identity hash of an embedding's raw
// little-endian float32 bytes. Used for deduplication and to cross-reference
// attempt-log labels with stored entries. Returns "" for empty embeddings.
func EncodingHash(embedding []float32) string {
	if len(embedding) == 0 {
		return ""
	}
	h := sha1.New()
	buf := make([]byte, 4)
	for _, v := range embedding {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		h.Write(buf)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// PathKey hashes an absolute image path into a stable cache key.
func PathKey(path string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(path)))
}
