// Package pipeline runs the attempt-escalation flow: faces are detected at
// increasing image resolution and cost until a usable result is found, with
// background workers preprocessing ahead of the consumer and a disk cache
// making interrupted runs resumable.
package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/kozaktomas/faceid/internal/backend"
	"github.com/kozaktomas/faceid/internal/imaging"
	"github.com/kozaktomas/faceid/internal/match"
	"github.com/kozaktomas/faceid/internal/store"
)

// AttemptResult is one escalation attempt for one image: the tier that ran,
// what it found, and the preview labels computed against the database
// snapshot the worker carried.
type AttemptResult struct {
	AttemptIndex   int
	Model          string
	BackendName    string
	BackendVersion string
	Upsample       int
	ScaleLabel     string
	ScalePx        int
	TimeSeconds    float64
	FaceCount      int
	Boxes          []backend.Box
	Encodings      [][]float32
	Labels         []store.FaceLabel
	Matches        []FaceMatch
	PreviewPath    string
}

// FaceMatch is the preview classification for one detected face.
type FaceMatch struct {
	Person     string
	Verdict    match.Verdict
	Distance   float64
	Confidence int
}

// Stat converts an attempt to its attempt-log form (no embeddings).
func (a AttemptResult) Stat() store.AttemptStat {
	return store.AttemptStat{
		AttemptIndex:   a.AttemptIndex,
		Model:          a.Model,
		Backend:        a.BackendName,
		BackendVersion: a.BackendVersion,
		Upsample:       a.Upsample,
		ScaleLabel:     a.ScaleLabel,
		ScalePx:        a.ScalePx,
		TimeSeconds:    a.TimeSeconds,
		FaceCount:      a.FaceCount,
	}
}

// SettingsSignature hashes a tier table. Attempt statistics gathered under
// different tier tables are not comparable, so the signature guards the
// attempt log.
func SettingsSignature(tiers []backend.Tier) string {
	data, err := json.Marshal(tiers)
	if err != nil {
		return "unknown"
	}
	return fmt.Sprintf("%x", md5.Sum(data))
}

// Preprocessor runs escalation attempts for single images. It carries its
// own database snapshot so preview labels can be computed without touching
// shared state.
type Preprocessor struct {
	backend    backend.Backend
	tiers      []backend.Tier
	filtered   *match.FilteredDatabase
	thresholds match.Thresholds
	margin     float64
	minConf    float64
	log        zerolog.Logger
}

// NewPreprocessor builds a preprocessor over a database snapshot. The
// snapshot is filtered once; every attempt's preview labels reuse it.
func NewPreprocessor(b backend.Backend, tiers []backend.Tier, snapshot *store.Database, thresholds match.Thresholds, margin, minConf float64, log zerolog.Logger) *Preprocessor {
	return &Preprocessor{
		backend:    b,
		tiers:      tiers,
		filtered:   match.Filter(snapshot, b, log),
		thresholds: thresholds,
		margin:     margin,
		minConf:    minConf,
		log:        log,
	}
}

// MaxAttempts returns the number of tiers available.
func (p *Preprocessor) MaxAttempts() int {
	return len(p.tiers)
}

// Preprocess runs the attempts the image is still missing, up to
// maxAttempts, and returns the full attempt list. Attempts already present
// in soFar are not recomputed, which is what makes interrupted runs cheap
// to resume.
func (p *Preprocessor) Preprocess(ctx context.Context, path string, soFar []AttemptResult, maxAttempts int) ([]AttemptResult, error) {
	if maxAttempts > len(p.tiers) {
		maxAttempts = len(p.tiers)
	}
	results := append([]AttemptResult(nil), soFar...)
	if len(results) >= maxAttempts {
		return results, nil
	}

	img, err := imaging.LoadImage(path)
	if err != nil {
		return results, err
	}

	for idx := len(results); idx < maxAttempts; idx++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		tier := p.tiers[idx]

		start := time.Now()
		scaled := imaging.ScaleToFit(img, tier.ScalePx)
		boxes, encodings, err := p.backend.DetectFaces(ctx, scaled, tier.ModelHint, tier.Upsample)
		if err != nil {
			return results, fmt.Errorf("detection attempt %d for %s: %w", idx, path, err)
		}

		labels, matches := p.previewLabels(encodings)
		results = append(results, AttemptResult{
			AttemptIndex:   idx,
			Model:          tier.ModelHint,
			BackendName:    p.backend.Name(),
			BackendVersion: backend.ModelVersion(p.backend),
			Upsample:       tier.Upsample,
			ScaleLabel:     tier.ScaleLabel,
			ScalePx:        tier.ScalePx,
			TimeSeconds:    time.Since(start).Seconds(),
			FaceCount:      len(encodings),
			Boxes:          boxes,
			Encodings:      encodings,
			Labels:         labels,
			Matches:        matches,
		})

		p.log.Debug().
			Str("image", path).
			Int("attempt", idx).
			Str("scale", tier.ScaleLabel).
			Int("faces", len(encodings)).
			Msg("detection attempt finished")
	}
	return results, nil
}

// previewLabels classifies each detected face against the snapshot.
func (p *Preprocessor) previewLabels(encodings [][]float32) ([]store.FaceLabel, []FaceMatch) {
	labels := make([]store.FaceLabel, len(encodings))
	matches := make([]FaceMatch, len(encodings))
	for i, enc := range encodings {
		normalized := p.backend.NormalizeEncoding(enc)
		res := match.BestMatches(normalized, p.filtered, p.backend, p.thresholds)
		verdict := match.Classify(res, p.thresholds, p.margin, p.minConf)
		labels[i] = store.FaceLabel{
			Label: match.Label(i, res, verdict),
			Hash:  store.EncodingHash(normalized),
		}
		matches[i] = FaceMatch{
			Person:     res.Name,
			Verdict:    verdict,
			Distance:   res.NameDist,
			Confidence: match.Confidence(res.NameDist),
		}
		if verdict == match.VerdictIgnore || verdict == match.VerdictUncertainIgnore {
			matches[i].Distance = res.IgnoreDist
			matches[i].Confidence = match.Confidence(res.IgnoreDist)
		}
	}
	return labels, matches
}

// fileExists reports whether an image is still on disk. Files routinely
// vanish mid-run when the user culls a shoot while processing.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
