package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kozaktomas/faceid/internal/backend"
	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/match"
	"github.com/kozaktomas/faceid/internal/store"
)

// Reviewer judges one attempt's results for an image. lastAttempt tells the
// reviewer there is no further escalation to ask for.
type Reviewer interface {
	Review(path string, attempt AttemptResult, lastAttempt bool) Outcome
}

// AutoReviewer accepts attempts whose faces all classified confidently.
// Anything uncertain asks for escalation; once the tiers are exhausted the
// image is skipped rather than committed with doubtful labels.
type AutoReviewer struct{}

func (AutoReviewer) Review(_ string, attempt AttemptResult, lastAttempt bool) Outcome {
	if attempt.FaceCount == 0 {
		if lastAttempt {
			return OutcomeNoFaces
		}
		return OutcomeRetry
	}

	allIgnored := true
	for _, m := range attempt.Matches {
		switch m.Verdict {
		case match.VerdictName:
			allIgnored = false
		case match.VerdictIgnore:
		default:
			if lastAttempt {
				return OutcomeSkipped
			}
			return OutcomeRetry
		}
	}

	if allIgnored {
		return OutcomeAllIgnored
	}
	return OutcomeOK
}

// Summary counts how a batch ended.
type Summary struct {
	Reviewed   int
	Skipped    int
	NoFaces    int
	AllIgnored int
	Missing    int
}

// Runner drives the escalation pipeline end to end: it starts the worker
// pool, consumes results image by image, reviews each attempt and commits
// accepted faces to the database.
type Runner struct {
	svc      *store.Service
	backend  backend.Backend
	cfg      *config.Config
	reviewer Reviewer
	log      zerolog.Logger

	// OnImageDone, when set, is called after each image reaches a terminal
	// state. Used for progress reporting.
	OnImageDone func(path string, phase Phase)
}

// NewRunner creates a pipeline runner. A nil reviewer defaults to
// AutoReviewer.
func NewRunner(svc *store.Service, b backend.Backend, cfg *config.Config, reviewer Reviewer, log zerolog.Logger) *Runner {
	if reviewer == nil {
		reviewer = AutoReviewer{}
	}
	return &Runner{svc: svc, backend: b, cfg: cfg, reviewer: reviewer, log: log}
}

func (r *Runner) tiers() []backend.Tier {
	return r.backend.AttemptTiers(backend.TierLimits{
		DownPx: r.cfg.Pipeline.DownsamplePx,
		MidPx:  r.cfg.Pipeline.MidsamplePx,
		FullPx: r.cfg.Pipeline.FullResPx,
	})
}

func (r *Runner) newPreprocessor(snapshot *store.Database) *Preprocessor {
	thresholds := match.ResolveThresholds(r.cfg, r.backend.Name(), string(r.backend.Metric()), r.log)
	return NewPreprocessor(
		r.backend,
		r.tiers(),
		snapshot,
		thresholds,
		r.cfg.Matching.Margin,
		r.cfg.Matching.MinConfidence,
		r.log,
	)
}

// Run processes a batch of images. Already-processed images must be
// filtered out by the caller; Run handles everything from preprocessing to
// persistence.
func (r *Runner) Run(ctx context.Context, images []string) (Summary, error) {
	var summary Summary
	if len(images) == 0 {
		return summary, nil
	}

	db, err := r.svc.Database()
	if err != nil {
		return summary, err
	}

	tiers := r.tiers()
	maxAttempts := len(tiers)

	// Statistics from a different tier table would poison the attempt log.
	if err := r.svc.Store().ArchiveAttemptLogIfChanged(SettingsSignature(tiers), false); err != nil {
		r.log.Warn().Err(err).Msg("failed to rotate attempt log on settings change")
	}

	cache, err := NewCache(r.svc.Store().CacheDir(), r.log)
	if err != nil {
		return summary, err
	}

	pool := StartPool(
		ctx,
		r.cfg.Pipeline.Workers,
		r.cfg.Pipeline.MaxQueue,
		maxAttempts,
		images,
		func() *Preprocessor { return r.newPreprocessor(db.Clone()) },
		cache,
		r.log,
	)

	if recovered, err := cache.LoadAll(); err == nil && len(recovered) > 0 {
		r.log.Info().Int("images", len(recovered)).Msg("resuming from preprocessing cache")
		pool.Seed(recovered)
	}

	// The in-process fallback preprocessor, used when workers cannot
	// deliver an attempt in time.
	fallback := r.newPreprocessor(db.Clone())

	for _, path := range images {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if !fileExists(path) {
			r.log.Warn().Str("image", path).Msg("image no longer exists, skipping")
			cache.Remove(path)
			summary.Missing++
			continue
		}

		phase, err := r.processImage(ctx, path, pool, fallback, cache, maxAttempts)
		if err != nil {
			return summary, err
		}

		switch phase {
		case PhaseReviewed:
			summary.Reviewed++
		case PhaseNoFaces:
			summary.NoFaces++
		case PhaseAllIgnored:
			summary.AllIgnored++
		default:
			summary.Skipped++
		}
		if r.OnImageDone != nil {
			r.OnImageDone(path, phase)
		}
	}
	return summary, nil
}

// processImage walks one image through the state machine until a terminal
// phase, then persists the result.
func (r *Runner) processImage(ctx context.Context, path string, pool *Pool, fallback *Preprocessor, cache *Cache, maxAttempts int) (Phase, error) {
	state := State{Phase: PhaseAttempting}
	var attempts []AttemptResult
	var reviews []string
	var usedAttempt *int

	for !state.Terminal() {
		need := state.Attempt + 1

		if len(attempts) < need {
			fetched, ok := pool.Fetch(ctx, path, need, r.waitFor(state.Attempt))
			if len(fetched) > len(attempts) {
				attempts = fetched
			}
			if !ok && len(attempts) < need {
				// Workers could not deliver; produce the attempt here.
				var err error
				attempts, err = fallback.Preprocess(ctx, path, attempts, need)
				if err != nil {
					return PhaseSkipped, fmt.Errorf("preprocessing %s: %w", path, err)
				}
				if len(attempts) < need {
					// Tiers exhausted without a usable result.
					state = Next(state, OutcomeRetry, state.Attempt+1)
					break
				}
				if _, err := cache.Save(path, attempts); err != nil {
					r.log.Warn().Err(err).Str("image", path).Msg("failed to cache fallback results")
				}
			}
		}

		attempt := attempts[state.Attempt]
		outcome := r.reviewer.Review(path, attempt, state.Attempt+1 >= maxAttempts)
		reviews = append(reviews, string(outcome))

		if outcome == OutcomeOK || outcome == OutcomeAllIgnored {
			idx := state.Attempt
			usedAttempt = &idx
		}
		state = Next(state, outcome, maxAttempts)
	}

	if err := r.finalize(path, attempts, reviews, usedAttempt, state.Phase); err != nil {
		return state.Phase, err
	}

	pool.Forget(path)
	cache.Remove(path)
	return state.Phase, nil
}

// waitFor scales the worker wait: the first attempt is usually already in
// flight, deeper tiers take longer.
func (r *Runner) waitFor(attempt int) time.Duration {
	base := time.Duration(r.cfg.Pipeline.MaxWaitSeconds) * time.Second
	if attempt == 0 {
		return base
	}
	return base * 2
}

// finalize commits accepted faces, appends the attempt log entry and marks
// the image processed. Every terminal phase marks the file processed so the
// next batch does not revisit it.
func (r *Runner) finalize(path string, attempts []AttemptResult, reviews []string, usedAttempt *int, phase Phase) error {
	db, err := r.svc.Reload()
	if err != nil {
		return err
	}

	if phase == PhaseReviewed || phase == PhaseAllIgnored {
		if usedAttempt != nil && *usedAttempt < len(attempts) {
			r.commit(db, path, attempts[*usedAttempt])
		}
	}

	db.MarkProcessed(path, store.FileHash(path))
	if err := r.svc.Save(db); err != nil {
		return fmt.Errorf("saving database after %s: %w", path, err)
	}

	entry := store.AttemptLogEntry{
		Filename:    path,
		FileHash:    store.FileHash(path),
		UsedAttempt: usedAttempt,
	}
	for _, a := range attempts {
		entry.Attempts = append(entry.Attempts, a.Stat())
		entry.LabelsPerAttempt = append(entry.LabelsPerAttempt, a.Labels)
	}
	entry.ReviewResults = reviews
	if err := r.svc.Store().AppendAttemptLog(entry); err != nil {
		r.log.Warn().Err(err).Str("image", path).Msg("failed to append attempt log")
	}

	r.log.Info().
		Str("image", path).
		Str("phase", string(phase)).
		Int("attempts", len(attempts)).
		Msg("image finished")
	return nil
}

// commit stores the accepted attempt's faces: named faces under the person,
// ignored faces in the ignore list. Unknown faces are never stored.
func (r *Runner) commit(db *store.Database, path string, attempt AttemptResult) {
	now := time.Now()
	hash := store.FileHash(path)
	version := backend.ModelVersion(r.backend)

	for i, m := range attempt.Matches {
		if i >= len(attempt.Encodings) {
			break
		}
		normalized := r.backend.NormalizeEncoding(attempt.Encodings[i])
		entry := store.EncodingEntry{
			Embedding:      normalized,
			SourceFile:     path,
			SourceFileHash: hash,
			Backend:        r.backend.Name(),
			BackendVersion: version,
			CreatedAt:      &now,
			IdentityHash:   store.EncodingHash(normalized),
		}

		switch m.Verdict {
		case match.VerdictName:
			db.Known[m.Person] = append(db.Known[m.Person], entry)
		case match.VerdictIgnore:
			db.Ignored = append(db.Ignored, entry)
		}
	}
}
