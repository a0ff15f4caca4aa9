package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizePersonName normalizes a name for comparison (lowercase, no
// diacritics, spaces for dashes). Storage keeps the original spelling;
// this form is only used for matching names supplied by humans.
func NormalizePersonName(name string) string {
	name = RemoveDiacritics(name)
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", " ")
	return name
}

// FindPerson resolves a human-supplied name to the stored key, trying an
// exact match first and a normalized match second. Returns "" if no person
// matches.
func (db *Database) FindPerson(name string) string {
	if _, ok := db.Known[name]; ok {
		return name
	}
	want := NormalizePersonName(name)
	for key := range db.Known {
		if NormalizePersonName(key) == want {
			return key
		}
	}
	return ""
}

// RenamePerson renames a person, keeping all encodings and hard negatives.
func (db *Database) RenamePerson(oldName, newName string) error {
	key := db.FindPerson(oldName)
	if key == "" {
		return fmt.Errorf("person %q not found", oldName)
	}
	if newName == "" {
		return fmt.Errorf("new name must not be empty")
	}
	if _, exists := db.Known[newName]; exists && newName != key {
		return fmt.Errorf("person %q already exists, use merge instead", newName)
	}

	db.Known[newName] = db.Known[key]
	if newName != key {
		delete(db.Known, key)
	}
	if negs, ok := db.HardNegatives[key]; ok {
		db.HardNegatives[newName] = negs
		if newName != key {
			delete(db.HardNegatives, key)
		}
	}
	return nil
}

// MergePersons moves all encodings and hard negatives from source into
// target and removes source. Returns the number of encodings moved.
func (db *Database) MergePersons(source, target string) (int, error) {
	srcKey := db.FindPerson(source)
	if srcKey == "" {
		return 0, fmt.Errorf("person %q not found", source)
	}
	dstKey := db.FindPerson(target)
	if dstKey == "" {
		return 0, fmt.Errorf("person %q not found", target)
	}
	if srcKey == dstKey {
		return 0, fmt.Errorf("cannot merge %q into itself", srcKey)
	}

	moved := len(db.Known[srcKey])
	db.Known[dstKey] = append(db.Known[dstKey], db.Known[srcKey]...)
	delete(db.Known, srcKey)

	if negs, ok := db.HardNegatives[srcKey]; ok {
		db.HardNegatives[dstKey] = append(db.HardNegatives[dstKey], negs...)
		delete(db.HardNegatives, srcKey)
	}
	return moved, nil
}

// DeletePerson removes a person and their hard negatives entirely.
// Returns the number of encodings removed.
func (db *Database) DeletePerson(name string) (int, error) {
	key := db.FindPerson(name)
	if key == "" {
		return 0, fmt.Errorf("person %q not found", name)
	}
	removed := len(db.Known[key])
	delete(db.Known, key)
	delete(db.HardNegatives, key)
	return removed, nil
}

// MoveToIgnored moves all of a person's encodings into the ignored list.
func (db *Database) MoveToIgnored(name string) (int, error) {
	key := db.FindPerson(name)
	if key == "" {
		return 0, fmt.Errorf("person %q not found", name)
	}
	moved := 0
	for _, e := range db.Known[key] {
		if e.HasEmbedding() {
			db.Ignored = append(db.Ignored, e)
			moved++
		}
	}
	delete(db.Known, key)
	delete(db.HardNegatives, key)
	return moved, nil
}

// RemoveEncodingsForFile removes every encoding that a previously processed
// file contributed to the database, resolved through the attempt log's
// label hashes. Identifiers may be file base names or content hashes.
// With moveToIgnored, encodings removed from a person land in the ignore
// list instead of disappearing, so a mislabeled face does not get the same
// wrong name again on reprocessing. Returns the number of removed encodings.
func (db *Database) RemoveEncodingsForFile(log []AttemptLogEntry, moveToIgnored bool, identifiers ...string) int {
	idSet := make(map[string]bool, len(identifiers))
	for _, id := range identifiers {
		idSet[id] = true
	}

	// Collect identity hashes (and the person each one was filed under)
	// from matching attempt log entries.
	var hashes []string
	personByHash := make(map[string]string)
	for _, entry := range log {
		name := filepath.Base(entry.Filename)
		if !idSet[name] && !(entry.FileHash != "" && idSet[entry.FileHash]) {
			continue
		}
		for _, labels := range entry.LabelsPerAttempt {
			for _, l := range labels {
				if l.Hash == "" {
					continue
				}
				hashes = append(hashes, l.Hash)
				parts := strings.SplitN(l.Label, "\n", 2)
				if len(parts) == 2 {
					personByHash[l.Hash] = strings.TrimSpace(parts[1])
				}
			}
		}
	}

	removed := 0
	for _, hash := range hashes {
		for i, e := range db.Ignored {
			if e.IdentityHash != "" && e.IdentityHash == hash {
				db.Ignored = append(db.Ignored[:i], db.Ignored[i+1:]...)
				removed++
				break
			}
		}
	}
	for hash, person := range personByHash {
		if person == "" || strings.EqualFold(person, "ignored") {
			continue
		}
		entries, ok := db.Known[person]
		if !ok {
			continue
		}
		for i, e := range entries {
			if e.IdentityHash != "" && e.IdentityHash == hash {
				if moveToIgnored && e.HasEmbedding() {
					db.Ignored = append(db.Ignored, e)
				}
				db.Known[person] = append(entries[:i], entries[i+1:]...)
				removed++
				break
			}
		}
	}
	return removed
}

// UnmarkProcessed removes a file from the processed ledger so the next
// batch picks it up again. Identifiers may be full paths, base names or
// content hashes. Returns the number of ledger entries removed.
func (db *Database) UnmarkProcessed(identifiers ...string) int {
	idSet := make(map[string]bool, len(identifiers))
	for _, id := range identifiers {
		idSet[id] = true
	}

	kept := db.Processed[:0]
	removed := 0
	for _, p := range db.Processed {
		if idSet[p.Name] || idSet[filepath.Base(p.Name)] || (p.Hash != "" && idSet[p.Hash]) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	db.Processed = kept
	return removed
}

// BackendCounts tallies encodings per backend across a list of entries.
func BackendCounts(entries []EncodingEntry) map[string]int {
	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.Backend]++
	}
	return counts
}
