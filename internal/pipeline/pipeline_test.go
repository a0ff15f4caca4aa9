package pipeline

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kozaktomas/faceid/internal/backend"
	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/imaging"
	"github.com/kozaktomas/faceid/internal/match"
	"github.com/kozaktomas/faceid/internal/store"
)

// fakeBackend returns a fixed embedding per detected face. faceCounts maps
// attempt index to the number of faces "found" at that tier; detectCalls
// counts invocations for resumability assertions.
type fakeBackend struct {
	faceCounts  map[int]int
	embedding   []float32
	detectCalls atomic.Int64
	attempt     atomic.Int64
}

func (f *fakeBackend) Name() string           { return "fake" }
func (f *fakeBackend) EncodingDim() int       { return 3 }
func (f *fakeBackend) Metric() backend.Metric { return backend.MetricEuclidean }
func (f *fakeBackend) ModelInfo() map[string]string {
	return map[string]string{"model": "fake-v1"}
}

func (f *fakeBackend) DetectFaces(_ context.Context, _ image.Image, _ string, _ int) ([]backend.Box, [][]float32, error) {
	f.detectCalls.Add(1)
	idx := int(f.attempt.Add(1)) - 1

	count := f.faceCounts[idx]
	boxes := make([]backend.Box, count)
	encodings := make([][]float32, count)
	for i := range encodings {
		encodings[i] = append([]float32(nil), f.embedding...)
	}
	return boxes, encodings, nil
}

func (f *fakeBackend) ComputeDistances(candidates [][]float32, query []float32) []float64 {
	return backend.Distances(backend.MetricEuclidean, candidates, query)
}

func (f *fakeBackend) NormalizeEncoding(enc []float32) []float32 { return enc }

func (f *fakeBackend) AttemptTiers(limits backend.TierLimits) []backend.Tier {
	return []backend.Tier{
		{ModelHint: "fake", ScaleLabel: "mid", ScalePx: limits.MidPx},
		{ModelHint: "fake", ScaleLabel: "full", ScalePx: limits.FullPx},
		{ModelHint: "fake", ScaleLabel: "down", ScalePx: limits.DownPx},
	}
}

func testImagePath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photo.jpg")
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for x := 0; x < 32; x++ {
		for y := 0; y < 32; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 0, A: 255})
		}
	}
	if err := imaging.WriteJPEG(path, img, 90); err != nil {
		t.Fatalf("writing test image: %v", err)
	}
	return path
}

func testPreprocessor(b backend.Backend, db *store.Database) *Preprocessor {
	tiers := b.AttemptTiers(backend.TierLimits{DownPx: 2800, MidPx: 4500, FullPx: 8000})
	thresholds := match.Thresholds{Match: 0.54, Ignore: 0.48, HardNegative: 0.45}
	return NewPreprocessor(b, tiers, db, thresholds, 0.15, 0.5, zerolog.Nop())
}

func TestNext_RetryEscalates(t *testing.T) {
	s := State{Phase: PhaseAttempting}

	s = Next(s, OutcomeRetry, 3)

	if s.Attempt != 1 || s.Phase != PhaseAttempting {
		t.Errorf("expected attempt 1 still attempting, got %+v", s)
	}
}

func TestNext_RetryPastLastAttemptSkips(t *testing.T) {
	s := State{Attempt: 2, Phase: PhaseAttempting}

	s = Next(s, OutcomeRetry, 3)

	if s.Phase != PhaseSkipped {
		t.Errorf("expected skipped after exhausting attempts, got %s", s.Phase)
	}
}

func TestNext_AlwaysTerminates(t *testing.T) {
	// Whatever outcomes arrive, the machine must reach a terminal phase
	// within maxAttempts retry steps.
	for _, maxAttempts := range []int{1, 3, 7} {
		s := State{Phase: PhaseAttempting}
		steps := 0
		for !s.Terminal() {
			s = Next(s, OutcomeRetry, maxAttempts)
			steps++
			if steps > maxAttempts {
				t.Fatalf("machine did not terminate within %d steps", maxAttempts)
			}
		}
	}
}

func TestNext_TerminalStatesAreSticky(t *testing.T) {
	s := State{Phase: PhaseReviewed}

	if next := Next(s, OutcomeRetry, 3); next.Phase != PhaseReviewed {
		t.Errorf("terminal state changed to %s", next.Phase)
	}
}

func TestNext_Outcomes(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    Phase
	}{
		{OutcomeOK, PhaseReviewed},
		{OutcomeSkipped, PhaseSkipped},
		{OutcomeNoFaces, PhaseNoFaces},
		{OutcomeAllIgnored, PhaseAllIgnored},
	}

	for _, tt := range tests {
		s := Next(State{Phase: PhaseAttempting}, tt.outcome, 3)
		if s.Phase != tt.want {
			t.Errorf("Next(%s) = %s, want %s", tt.outcome, s.Phase, tt.want)
		}
	}
}

func TestSettingsSignature(t *testing.T) {
	a := []backend.Tier{{ModelHint: "a", ScaleLabel: "mid", ScalePx: 4500}}
	b := []backend.Tier{{ModelHint: "a", ScaleLabel: "mid", ScalePx: 4500}}
	c := []backend.Tier{{ModelHint: "a", ScaleLabel: "full", ScalePx: 8000}}

	if SettingsSignature(a) != SettingsSignature(b) {
		t.Error("identical tier tables must produce identical signatures")
	}

	if SettingsSignature(a) == SettingsSignature(c) {
		t.Error("different tier tables must produce different signatures")
	}
}

func TestPreprocess_ResumesFromExistingAttempts(t *testing.T) {
	path := testImagePath(t)
	b := &fakeBackend{faceCounts: map[int]int{}, embedding: []float32{1, 0, 0}}
	pre := testPreprocessor(b, store.NewDatabase())

	first, err := pre.Preprocess(context.Background(), path, nil, 1)
	if err != nil {
		t.Fatalf("preprocess failed: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(first))
	}

	calls := b.detectCalls.Load()

	second, err := pre.Preprocess(context.Background(), path, first, 2)
	if err != nil {
		t.Fatalf("preprocess failed: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(second))
	}

	// Attempt 0 must not have been recomputed.
	if b.detectCalls.Load() != calls+1 {
		t.Errorf("expected exactly 1 additional detection call, got %d", b.detectCalls.Load()-calls)
	}
}

func TestPreprocess_LabelsMatchKnownPerson(t *testing.T) {
	path := testImagePath(t)
	db := store.NewDatabase()
	db.Known["alice"] = []store.EncodingEntry{
		{Embedding: []float32{1, 0, 0}, Backend: "fake"},
	}

	b := &fakeBackend{faceCounts: map[int]int{0: 1}, embedding: []float32{0.99, 0, 0}}
	pre := testPreprocessor(b, db)

	results, err := pre.Preprocess(context.Background(), path, nil, 1)
	if err != nil {
		t.Fatalf("preprocess failed: %v", err)
	}

	attempt := results[0]
	if attempt.FaceCount != 1 {
		t.Fatalf("expected 1 face, got %d", attempt.FaceCount)
	}

	if attempt.Matches[0].Verdict != match.VerdictName || attempt.Matches[0].Person != "alice" {
		t.Errorf("expected confident alice match, got %+v", attempt.Matches[0])
	}

	if attempt.Labels[0].Label != "#1\nalice" {
		t.Errorf("unexpected label %q", attempt.Labels[0].Label)
	}

	if attempt.Labels[0].Hash == "" {
		t.Error("expected an identity hash on the label")
	}
}

func TestCache_SaveLoadRemove(t *testing.T) {
	path := testImagePath(t)
	cache, err := NewCache(filepath.Join(t.TempDir(), "cache"), zerolog.Nop())
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}

	attempts := []AttemptResult{{AttemptIndex: 0, FaceCount: 2, ScaleLabel: "mid"}}
	if _, err := cache.Save(path, attempts); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	recovered, err := cache.LoadAll()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	got, ok := recovered[path]
	if !ok {
		t.Fatal("expected cached attempts for image")
	}
	if len(got) != 1 || got[0].FaceCount != 2 || got[0].ScaleLabel != "mid" {
		t.Errorf("unexpected cached attempts: %+v", got)
	}

	cache.Remove(path)
	recovered, err = cache.LoadAll()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(recovered) != 0 {
		t.Errorf("expected empty cache after removal, got %d entries", len(recovered))
	}
}

func TestCache_DropsVanishedImages(t *testing.T) {
	cache, err := NewCache(filepath.Join(t.TempDir(), "cache"), zerolog.Nop())
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}

	missing := filepath.Join(t.TempDir(), "gone.jpg")
	if _, err := cache.Save(missing, []AttemptResult{{AttemptIndex: 0}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	recovered, err := cache.LoadAll()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(recovered) != 0 {
		t.Error("expected cache entry for vanished image to be dropped")
	}
}

func TestPool_DeliversResults(t *testing.T) {
	path := testImagePath(t)
	b := &fakeBackend{faceCounts: map[int]int{0: 1}, embedding: []float32{1, 0, 0}}

	pool := StartPool(
		context.Background(), 1, 10, 3,
		[]string{path},
		func() *Preprocessor { return testPreprocessor(b, store.NewDatabase()) },
		nil,
		zerolog.Nop(),
	)

	attempts, ok := pool.Fetch(context.Background(), path, 1, 10*time.Second)
	if !ok {
		t.Fatal("expected worker to deliver attempt 1")
	}
	if len(attempts) < 1 || attempts[0].FaceCount != 1 {
		t.Errorf("unexpected attempts: %+v", attempts)
	}
}

func TestPool_DoneAfterPanic(t *testing.T) {
	path := testImagePath(t)

	pool := StartPool(
		context.Background(), 1, 10, 3,
		[]string{path},
		func() *Preprocessor { panic("boom") },
		nil,
		zerolog.Nop(),
	)

	// The done signal must fire even when a worker crashes, so the
	// consumer falls back instead of hanging.
	deadline := time.After(5 * time.Second)
	for !pool.Done() {
		select {
		case <-deadline:
			t.Fatal("pool never signalled done after worker panic")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, ok := pool.Fetch(context.Background(), path, 1, time.Second); ok {
		t.Error("expected fetch to report failure after worker crash")
	}
}

func TestPool_SeedServesCachedAttempts(t *testing.T) {
	pool := StartPool(
		context.Background(), 1, 10, 3,
		nil,
		func() *Preprocessor { return nil },
		nil,
		zerolog.Nop(),
	)

	pool.Seed(map[string][]AttemptResult{
		"/photos/a.jpg": {{AttemptIndex: 0, FaceCount: 1}},
	})

	attempts, ok := pool.Fetch(context.Background(), "/photos/a.jpg", 1, time.Second)
	if !ok || len(attempts) != 1 {
		t.Errorf("expected seeded attempts to be served, got ok=%v len=%d", ok, len(attempts))
	}
}

func TestAutoReviewer(t *testing.T) {
	tests := []struct {
		name    string
		attempt AttemptResult
		last    bool
		want    Outcome
	}{
		{
			name:    "no faces escalates",
			attempt: AttemptResult{FaceCount: 0},
			want:    OutcomeRetry,
		},
		{
			name:    "no faces on last attempt",
			attempt: AttemptResult{FaceCount: 0},
			last:    true,
			want:    OutcomeNoFaces,
		},
		{
			name: "confident name",
			attempt: AttemptResult{
				FaceCount: 1,
				Matches:   []FaceMatch{{Person: "alice", Verdict: match.VerdictName}},
			},
			want: OutcomeOK,
		},
		{
			name: "all ignored",
			attempt: AttemptResult{
				FaceCount: 2,
				Matches: []FaceMatch{
					{Verdict: match.VerdictIgnore},
					{Verdict: match.VerdictIgnore},
				},
			},
			want: OutcomeAllIgnored,
		},
		{
			name: "uncertain escalates",
			attempt: AttemptResult{
				FaceCount: 1,
				Matches:   []FaceMatch{{Person: "alice", Verdict: match.VerdictUncertainName}},
			},
			want: OutcomeRetry,
		},
		{
			name: "uncertain on last attempt skips",
			attempt: AttemptResult{
				FaceCount: 1,
				Matches:   []FaceMatch{{Person: "alice", Verdict: match.VerdictUncertainName}},
			},
			last: true,
			want: OutcomeSkipped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AutoReviewer{}.Review("img.jpg", tt.attempt, tt.last)
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRunner_EndToEnd(t *testing.T) {
	path := testImagePath(t)

	st, err := store.New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	svc, err := store.NewService(st)
	if err != nil {
		t.Fatalf("creating service: %v", err)
	}

	db := store.NewDatabase()
	db.Known["alice"] = []store.EncodingEntry{
		{Embedding: []float32{1, 0, 0}, Backend: "fake", BackendVersion: "fake-v1"},
	}
	if err := svc.Save(db); err != nil {
		t.Fatalf("saving database: %v", err)
	}

	b := &fakeBackend{faceCounts: map[int]int{0: 1}, embedding: []float32{0.99, 0, 0}}
	runner := NewRunner(svc, b, config.Load(), nil, zerolog.Nop())

	summary, err := runner.Run(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.Reviewed != 1 {
		t.Fatalf("expected 1 reviewed image, got %+v", summary)
	}

	after, err := svc.Reload()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if len(after.Known["alice"]) != 2 {
		t.Errorf("expected alice to gain an encoding, got %d", len(after.Known["alice"]))
	}

	if !after.IsProcessed(path, store.FileHash(path)) {
		t.Error("expected image to be marked processed")
	}

	log, err := st.LoadAttemptLog(false)
	if err != nil {
		t.Fatalf("loading attempt log: %v", err)
	}
	if len(log) != 1 {
		t.Fatalf("expected 1 attempt log entry, got %d", len(log))
	}
	if log[0].UsedAttempt == nil || *log[0].UsedAttempt != 0 {
		t.Errorf("expected used attempt 0, got %v", log[0].UsedAttempt)
	}
}

func TestRunner_MissingFileSkipped(t *testing.T) {
	st, err := store.New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	svc, err := store.NewService(st)
	if err != nil {
		t.Fatalf("creating service: %v", err)
	}

	b := &fakeBackend{faceCounts: map[int]int{}, embedding: []float32{1, 0, 0}}
	runner := NewRunner(svc, b, config.Load(), nil, zerolog.Nop())

	summary, err := runner.Run(context.Background(), []string{filepath.Join(t.TempDir(), "gone.jpg")})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.Missing != 1 {
		t.Errorf("expected 1 missing image, got %+v", summary)
	}
}
