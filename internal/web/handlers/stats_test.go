package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/faceid/internal/store"
)

func TestStatsGet(t *testing.T) {
	db := seededDatabase()
	db.Ignored = []store.EncodingEntry{{Embedding: []float32{0, 0, 1}, Backend: "fake"}}
	db.HardNegatives["alice"] = []store.EncodingEntry{{Embedding: []float32{0, 0.5, 0}, Backend: "fake"}}
	db.MarkProcessed("a.jpg", "hash-a")

	h := NewStatsHandler(testService(t, db))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	assertStatusCode(t, rec, http.StatusOK)

	var resp StatsResponse
	parseJSONResponse(t, rec, &resp)

	if resp.TotalPersons != 2 {
		t.Errorf("expected 2 persons, got %d", resp.TotalPersons)
	}
	if resp.TotalEncodings != 3 {
		t.Errorf("expected 3 encodings, got %d", resp.TotalEncodings)
	}
	if resp.Ignored != 1 || resp.HardNegatives != 1 || resp.ProcessedFiles != 1 {
		t.Errorf("unexpected counts: %+v", resp)
	}
	if resp.Backends["fake"] != 3 {
		t.Errorf("expected 3 fake-backend encodings, got %d", resp.Backends["fake"])
	}
	if len(resp.Persons) != 2 || resp.Persons[0].Name != "alice" {
		t.Errorf("unexpected person breakdown: %+v", resp.Persons)
	}
}

func TestHealthCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	HealthCheck(rec, req)

	assertStatusCode(t, rec, http.StatusOK)

	var resp map[string]string
	parseJSONResponse(t, rec, &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %q", resp["status"])
	}
}
