package handlers

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/kozaktomas/faceid/internal/store"
)

// PersonsHandler manages the people in the database.
type PersonsHandler struct {
	svc *store.Service
	log zerolog.Logger
}

// NewPersonsHandler creates a new persons handler.
func NewPersonsHandler(svc *store.Service, log zerolog.Logger) *PersonsHandler {
	return &PersonsHandler{svc: svc, log: log}
}

// List returns all known person names with encoding counts.
func (h *PersonsHandler) List(w http.ResponseWriter, r *http.Request) {
	db, err := h.svc.Database()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load database")
		return
	}

	type person struct {
		Name      string `json:"name"`
		Encodings int    `json:"encodings"`
	}
	persons := make([]person, 0, len(db.Known))
	for name, entries := range db.Known {
		persons = append(persons, person{Name: name, Encodings: len(entries)})
	}
	sort.Slice(persons, func(i, j int) bool { return persons[i].Name < persons[j].Name })

	respondJSON(w, http.StatusOK, map[string]any{"persons": persons})
}

// mutate reloads the database, applies fn and saves. fn returns a response
// payload, or writes its own error and returns nil.
func (h *PersonsHandler) mutate(w http.ResponseWriter, fn func(db *store.Database) any) {
	db, err := h.svc.Reload()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load database")
		return
	}

	payload := fn(db)
	if payload == nil {
		return
	}

	if err := h.svc.Save(db); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to save database")
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

// RenameRequest is the rename payload.
type RenameRequest struct {
	NewName string `json:"new_name"`
}

// Rename renames a person, carrying their hard negatives along.
func (h *PersonsHandler) Rename(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.NewName == "" {
		respondError(w, http.StatusBadRequest, "new_name is required")
		return
	}

	h.mutate(w, func(db *store.Database) any {
		resolved := db.FindPerson(name)
		if resolved == "" {
			respondError(w, http.StatusNotFound, "person not found")
			return nil
		}
		if err := db.RenamePerson(resolved, req.NewName); err != nil {
			respondError(w, http.StatusConflict, err.Error())
			return nil
		}
		h.log.Info().Str("from", sanitizeForLog(resolved)).Str("to", sanitizeForLog(req.NewName)).Msg("person renamed")
		return map[string]string{"renamed": resolved, "to": req.NewName}
	})
}

// MergeRequest is the merge payload.
type MergeRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Merge moves all encodings from source into target.
func (h *PersonsHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.Source == "" || req.Target == "" {
		respondError(w, http.StatusBadRequest, "source and target are required")
		return
	}

	h.mutate(w, func(db *store.Database) any {
		source := db.FindPerson(req.Source)
		target := db.FindPerson(req.Target)
		if source == "" || target == "" {
			respondError(w, http.StatusNotFound, "person not found")
			return nil
		}
		moved, err := db.MergePersons(source, target)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return nil
		}
		h.log.Info().Str("source", sanitizeForLog(source)).Str("target", sanitizeForLog(target)).
			Int("moved", moved).Msg("persons merged")
		return map[string]any{"merged": source, "into": target, "moved": moved}
	})
}

// Delete removes a person and all their encodings.
func (h *PersonsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	h.mutate(w, func(db *store.Database) any {
		resolved := db.FindPerson(name)
		if resolved == "" {
			respondError(w, http.StatusNotFound, "person not found")
			return nil
		}
		removed, err := db.DeletePerson(resolved)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return nil
		}
		h.log.Info().Str("person", sanitizeForLog(resolved)).Int("removed", removed).Msg("person deleted")
		return map[string]any{"deleted": resolved, "removed": removed}
	})
}

// Ignore moves a person's encodings to the ignore list.
func (h *PersonsHandler) Ignore(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	h.mutate(w, func(db *store.Database) any {
		resolved := db.FindPerson(name)
		if resolved == "" {
			respondError(w, http.StatusNotFound, "person not found")
			return nil
		}
		moved, err := db.MoveToIgnored(resolved)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return nil
		}
		h.log.Info().Str("person", sanitizeForLog(resolved)).Int("moved", moved).Msg("person moved to ignore list")
		return map[string]any{"ignored": resolved, "moved": moved}
	})
}
