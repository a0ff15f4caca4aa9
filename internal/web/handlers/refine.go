package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/kozaktomas/faceid/internal/backend"
	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/refine"
	"github.com/kozaktomas/faceid/internal/store"
)

// RefineHandler exposes outlier refinement over HTTP.
type RefineHandler struct {
	engine *refine.Engine
}

// NewRefineHandler creates a new refine handler.
func NewRefineHandler(svc *store.Service, b backend.Backend, defaults config.RefinementDefaults, log zerolog.Logger) *RefineHandler {
	return &RefineHandler{engine: refine.NewEngine(svc, b, defaults, log)}
}

// RefineRequest carries refinement parameters. Zero values fall back to the
// calibrated defaults.
type RefineRequest struct {
	Mode                 string   `json:"mode"`
	Persons              []string `json:"persons"`
	StdThreshold         float64  `json:"std_threshold"`
	ClusterDistance      float64  `json:"cluster_distance"`
	ClusterMinSize       int      `json:"cluster_min_size"`
	MahalanobisThreshold float64  `json:"mahalanobis_threshold"`
	MinEncodings         int      `json:"min_encodings"`
	DryRun               bool     `json:"dry_run"`
}

func (req RefineRequest) options() refine.Options {
	return refine.Options{
		Mode:                 refine.Mode(req.Mode),
		Persons:              req.Persons,
		StdThreshold:         req.StdThreshold,
		ClusterDistance:      req.ClusterDistance,
		ClusterMinSize:       req.ClusterMinSize,
		MahalanobisThreshold: req.MahalanobisThreshold,
		MinEncodings:         req.MinEncodings,
		DryRun:               req.DryRun,
	}
}

// Preview reports what refinement would remove without changing anything.
func (h *RefineHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req RefineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	report, err := h.engine.Preview(req.options())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Apply removes outlier encodings and persists the result.
func (h *RefineHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req RefineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	report, err := h.engine.Apply(req.options())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ShapesRequest selects persons for shape repair.
type ShapesRequest struct {
	Persons []string `json:"persons"`
	DryRun  bool     `json:"dry_run"`
}

// RepairShapes removes encodings whose dimension disagrees with the
// person's majority dimension.
func (h *RefineHandler) RepairShapes(w http.ResponseWriter, r *http.Request) {
	var req ShapesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	report, err := h.engine.RepairShapes(req.Persons, req.DryRun)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}
