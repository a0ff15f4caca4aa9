package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kozaktomas/faceid/internal/store"
)

func seededDatabase() *store.Database {
	db := store.NewDatabase()
	db.Known["alice"] = []store.EncodingEntry{
		{Embedding: []float32{1, 0, 0}, Backend: "fake"},
		{Embedding: []float32{0.9, 0, 0}, Backend: "fake"},
	}
	db.Known["bob"] = []store.EncodingEntry{
		{Embedding: []float32{0, 1, 0}, Backend: "fake"},
	}
	return db
}

func TestPersonsList(t *testing.T) {
	h := NewPersonsHandler(testService(t, seededDatabase()), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/persons", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	assertStatusCode(t, rec, http.StatusOK)

	var resp struct {
		Persons []struct {
			Name      string `json:"name"`
			Encodings int    `json:"encodings"`
		} `json:"persons"`
	}
	parseJSONResponse(t, rec, &resp)

	if len(resp.Persons) != 2 {
		t.Fatalf("expected 2 persons, got %d", len(resp.Persons))
	}
	if resp.Persons[0].Name != "alice" || resp.Persons[0].Encodings != 2 {
		t.Errorf("unexpected first person: %+v", resp.Persons[0])
	}
}

func TestPersonsRename(t *testing.T) {
	svc := testService(t, seededDatabase())
	h := NewPersonsHandler(svc, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/persons/alice/rename",
		strings.NewReader(`{"new_name": "alice novak"}`))
	req = requestWithChiParams(req, map[string]string{"name": "alice"})
	rec := httptest.NewRecorder()
	h.Rename(rec, req)

	assertStatusCode(t, rec, http.StatusOK)

	db, err := svc.Reload()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if _, ok := db.Known["alice"]; ok {
		t.Error("old name still present after rename")
	}
	if len(db.Known["alice novak"]) != 2 {
		t.Errorf("expected 2 encodings under new name, got %d", len(db.Known["alice novak"]))
	}
}

func TestPersonsRename_Missing(t *testing.T) {
	h := NewPersonsHandler(testService(t, seededDatabase()), zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/persons/carol/rename",
		strings.NewReader(`{"new_name": "caroline"}`))
	req = requestWithChiParams(req, map[string]string{"name": "carol"})
	rec := httptest.NewRecorder()
	h.Rename(rec, req)

	assertStatusCode(t, rec, http.StatusNotFound)
	assertJSONError(t, rec, "person not found")
}

func TestPersonsMerge(t *testing.T) {
	svc := testService(t, seededDatabase())
	h := NewPersonsHandler(svc, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/persons/merge",
		strings.NewReader(`{"source": "bob", "target": "alice"}`))
	rec := httptest.NewRecorder()
	h.Merge(rec, req)

	assertStatusCode(t, rec, http.StatusOK)

	db, err := svc.Reload()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if _, ok := db.Known["bob"]; ok {
		t.Error("source person still present after merge")
	}
	if len(db.Known["alice"]) != 3 {
		t.Errorf("expected 3 encodings after merge, got %d", len(db.Known["alice"]))
	}
}

func TestPersonsDelete(t *testing.T) {
	svc := testService(t, seededDatabase())
	h := NewPersonsHandler(svc, zerolog.Nop())

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/persons/bob", nil)
	req = requestWithChiParams(req, map[string]string{"name": "bob"})
	rec := httptest.NewRecorder()
	h.Delete(rec, req)

	assertStatusCode(t, rec, http.StatusOK)

	db, err := svc.Reload()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if _, ok := db.Known["bob"]; ok {
		t.Error("person still present after delete")
	}
}

func TestPersonsIgnore(t *testing.T) {
	svc := testService(t, seededDatabase())
	h := NewPersonsHandler(svc, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/persons/bob/ignore", nil)
	req = requestWithChiParams(req, map[string]string{"name": "bob"})
	rec := httptest.NewRecorder()
	h.Ignore(rec, req)

	assertStatusCode(t, rec, http.StatusOK)

	db, err := svc.Reload()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if _, ok := db.Known["bob"]; ok {
		t.Error("person still known after moving to ignore list")
	}
	if len(db.Ignored) != 1 {
		t.Errorf("expected 1 ignored encoding, got %d", len(db.Ignored))
	}
}

func TestPersonsRename_DiacriticsLookup(t *testing.T) {
	db := store.NewDatabase()
	db.Known["tomáš novák"] = []store.EncodingEntry{{Embedding: []float32{1}, Backend: "fake"}}
	svc := testService(t, db)
	h := NewPersonsHandler(svc, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/persons/tomas-novak/rename",
		strings.NewReader(`{"new_name": "tomas n"}`))
	req = requestWithChiParams(req, map[string]string{"name": "tomas-novak"})
	rec := httptest.NewRecorder()
	h.Rename(rec, req)

	assertStatusCode(t, rec, http.StatusOK)
}
