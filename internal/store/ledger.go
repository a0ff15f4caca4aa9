package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Rotation caps, matching the sizes the database has historically been
// comfortable with.
const (
	maxProcessedEntries = 50000
	maxAttemptEntries   = 10000
)

// AttemptStat is the per-attempt statistics record written to the attempt
// log (no embeddings, just detection metadata).
type AttemptStat struct {
	AttemptIndex   int     `json:"attempt_index"`
	Model          string  `json:"model"`
	Backend        string  `json:"backend"`
	BackendVersion string  `json:"backend_version"`
	Upsample       int     `json:"upsample"`
	ScaleLabel     string  `json:"scale_label"`
	ScalePx        int     `json:"scale_px"`
	TimeSeconds    float64 `json:"time_seconds"`
	FaceCount      int     `json:"face_count"`
}

// FaceLabel records the verdict label assigned to one face, keyed by the
// encoding identity hash so the undo workflow can find the stored entry.
type FaceLabel struct {
	Label string `json:"label"`
	Hash  string `json:"hash,omitempty"`
}

// AttemptLogEntry is one line of the attempt log: everything that happened
// to a single image during processing. Used for audit and for the fix
// (undo + reprocess) workflow.
type AttemptLogEntry struct {
	Timestamp        string        `json:"timestamp"`
	Filename         string        `json:"filename"`
	FileHash         string        `json:"file_hash,omitempty"`
	Attempts         []AttemptStat `json:"attempts"`
	UsedAttempt      *int          `json:"used_attempt"`
	ReviewResults    []string      `json:"review_results,omitempty"`
	LabelsPerAttempt [][]FaceLabel `json:"labels_per_attempt,omitempty"`
}

// AppendAttemptLog appends one entry to the attempt log.
func (s *Store) AppendAttemptLog(entry AttemptLogEntry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().Format("2006-01-02T15:04:05")
	}
	f, err := os.OpenFile(s.path(attemptLogFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening attempt log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling attempt log entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending attempt log entry: %w", err)
	}
	return nil
}

// LoadAttemptLog returns all attempt log entries, optionally including
// archived log files. Unparseable lines are skipped.
func (s *Store) LoadAttemptLog(includeArchived bool) ([]AttemptLogEntry, error) {
	files := []string{s.path(attemptLogFile)}
	if includeArchived {
		archived, err := filepath.Glob(filepath.Join(s.ArchiveDir(), "attempt_stats*.jsonl"))
		if err == nil {
			sort.Strings(archived)
			files = append(files, archived...)
		}
	}

	var out []AttemptLogEntry
	for _, path := range files {
		entries, err := readAttemptLogFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func readAttemptLogFile(path string) ([]AttemptLogEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []AttemptLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry AttemptLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, scanner.Err()
}

// RotateLogs trims the processed ledger and attempt log to their caps.
// Trimmed attempt entries are archived rather than discarded.
func (s *Store) RotateLogs() error {
	processed, err := s.readProcessed()
	if err != nil {
		return err
	}
	if len(processed) > maxProcessedEntries {
		trimmed := processed[len(processed)-maxProcessedEntries:]
		if err := s.writeProcessed(trimmed); err != nil {
			return fmt.Errorf("rotating processed ledger: %w", err)
		}
		s.log.Info().Int("kept", len(trimmed)).Msg("trimmed processed ledger")
	}

	attempts, err := readAttemptLogFile(s.path(attemptLogFile))
	if err != nil {
		return err
	}
	if len(attempts) > maxAttemptEntries {
		old := attempts[:len(attempts)-maxAttemptEntries]
		recent := attempts[len(attempts)-maxAttemptEntries:]

		if err := os.MkdirAll(s.ArchiveDir(), 0o755); err != nil {
			return fmt.Errorf("creating archive directory: %w", err)
		}
		name := fmt.Sprintf("attempt_stats_%s.jsonl", time.Now().Format("20060102_150405"))
		if err := writeAttemptLogFile(filepath.Join(s.ArchiveDir(), name), old); err != nil {
			return fmt.Errorf("archiving attempt log: %w", err)
		}
		if err := writeAttemptLogFile(s.path(attemptLogFile), recent); err != nil {
			return fmt.Errorf("rewriting attempt log: %w", err)
		}
		s.log.Info().Int("archived", len(old)).Str("file", name).Msg("archived attempt log entries")
	}
	return nil
}

func writeAttemptLogFile(path string, entries []AttemptLogEntry) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ArchiveAttemptLogIfChanged archives the attempt log when the escalation
// settings signature differs from the recorded one, so statistics from
// different tier tables never mix. Pass force to archive unconditionally.
func (s *Store) ArchiveAttemptLogIfChanged(signature string, force bool) error {
	sigPath := s.path(settingsSig)
	logPath := s.path(attemptLogFile)

	if _, err := os.Stat(logPath); errors.Is(err, fs.ErrNotExist) {
		return os.WriteFile(sigPath, []byte(signature), 0o644)
	}

	old := ""
	if data, err := os.ReadFile(sigPath); err == nil {
		old = strings.TrimSpace(string(data))
	}

	if force || old != signature {
		if err := os.MkdirAll(s.ArchiveDir(), 0o755); err != nil {
			return fmt.Errorf("creating archive directory: %w", err)
		}
		tag := old
		if tag == "" {
			tag = "unknown"
		}
		name := fmt.Sprintf("attempt_stats_%s_%s.jsonl", time.Now().Format("20060102-150405"), tag)
		if err := os.Rename(logPath, filepath.Join(s.ArchiveDir(), name)); err != nil {
			return fmt.Errorf("archiving attempt log: %w", err)
		}
		s.log.Info().Str("file", name).Msg("archived attempt log after settings change")
	}
	return os.WriteFile(sigPath, []byte(signature), 0o644)
}

// PersonsFromLabels extracts person names out of a label list, skipping
// ignore/unknown markers. Labels have the form "#<n>\n<name>".
func PersonsFromLabels(labels []FaceLabel) []string {
	var persons []string
	for _, l := range labels {
		parts := strings.SplitN(l.Label, "\n", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[1])
		switch strings.ToLower(name) {
		case "", "ignored", "ign", "unknown":
			continue
		}
		persons = append(persons, name)
	}
	return persons
}
