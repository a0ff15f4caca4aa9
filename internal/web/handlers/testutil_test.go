package handlers

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/kozaktomas/faceid/internal/backend"
	"github.com/kozaktomas/faceid/internal/store"
)

// testService creates a store service over a temp directory seeded with the
// given database.
func testService(t *testing.T, db *store.Database) *store.Service {
	t.Helper()
	st, err := store.New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	svc, err := store.NewService(st)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if db != nil {
		if err := svc.Save(db); err != nil {
			t.Fatalf("failed to seed database: %v", err)
		}
	}
	return svc
}

// fakeBackend is a deterministic in-memory detection backend.
type fakeBackend struct {
	dim       int
	encodings [][]float32
}

func (f *fakeBackend) Name() string                 { return "fake" }
func (f *fakeBackend) EncodingDim() int             { return f.dim }
func (f *fakeBackend) Metric() backend.Metric       { return backend.MetricEuclidean }
func (f *fakeBackend) ModelInfo() map[string]string { return map[string]string{"model": "fake-v1"} }

func (f *fakeBackend) DetectFaces(_ context.Context, _ image.Image, _ string, _ int) ([]backend.Box, [][]float32, error) {
	boxes := make([]backend.Box, len(f.encodings))
	return boxes, f.encodings, nil
}

func (f *fakeBackend) ComputeDistances(candidates [][]float32, query []float32) []float64 {
	return backend.Distances(backend.MetricEuclidean, candidates, query)
}

func (f *fakeBackend) NormalizeEncoding(enc []float32) []float32 { return enc }

func (f *fakeBackend) AttemptTiers(limits backend.TierLimits) []backend.Tier {
	return []backend.Tier{{ModelHint: "fake", ScaleLabel: "mid", ScalePx: limits.MidPx}}
}

// requestWithChiParams creates a request with chi URL parameters.
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type.
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code.
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertJSONError checks if the response is a JSON error with the expected message.
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
