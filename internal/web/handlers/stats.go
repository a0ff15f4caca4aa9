package handlers

import (
	"net/http"
	"sort"

	"github.com/kozaktomas/faceid/internal/store"
)

// StatsHandler reports database statistics.
type StatsHandler struct {
	svc *store.Service
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(svc *store.Service) *StatsHandler {
	return &StatsHandler{svc: svc}
}

// PersonStats is the per-person breakdown in the stats response.
type PersonStats struct {
	Name      string         `json:"name"`
	Encodings int            `json:"encodings"`
	Backends  map[string]int `json:"backends"`
}

// StatsResponse is the full statistics payload.
type StatsResponse struct {
	Persons        []PersonStats  `json:"persons"`
	TotalPersons   int            `json:"total_persons"`
	TotalEncodings int            `json:"total_encodings"`
	Ignored        int            `json:"ignored"`
	HardNegatives  int            `json:"hard_negatives"`
	ProcessedFiles int            `json:"processed_files"`
	Backends       map[string]int `json:"backends"`
}

// Get returns database statistics.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	db, err := h.svc.Database()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load database")
		return
	}

	resp := StatsResponse{
		TotalPersons:   len(db.Known),
		TotalEncodings: db.EncodingCount(),
		Ignored:        len(db.Ignored),
		ProcessedFiles: len(db.Processed),
		Backends:       make(map[string]int),
	}

	for _, entries := range db.HardNegatives {
		resp.HardNegatives += len(entries)
	}

	for name, entries := range db.Known {
		counts := store.BackendCounts(entries)
		resp.Persons = append(resp.Persons, PersonStats{
			Name:      name,
			Encodings: len(entries),
			Backends:  counts,
		})
		for b, n := range counts {
			resp.Backends[b] += n
		}
	}
	sort.Slice(resp.Persons, func(i, j int) bool {
		return resp.Persons[i].Name < resp.Persons[j].Name
	})

	respondJSON(w, http.StatusOK, resp)
}
