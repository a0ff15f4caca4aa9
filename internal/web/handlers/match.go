package handlers

import (
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"

	_ "golang.org/x/image/bmp"

	"github.com/rs/zerolog"

	"github.com/kozaktomas/faceid/internal/backend"
	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/match"
	"github.com/kozaktomas/faceid/internal/store"
)

// maxUploadBytes caps uploaded image size.
const maxUploadBytes = 32 << 20

// MatchHandler classifies faces in uploaded images and serves similarity
// queries over the indexed database.
type MatchHandler struct {
	cfg     *config.Config
	svc     *store.Service
	backend backend.Backend
	index   *match.Index
	log     zerolog.Logger
}

// NewMatchHandler creates a new match handler.
func NewMatchHandler(cfg *config.Config, svc *store.Service, b backend.Backend, log zerolog.Logger) *MatchHandler {
	return &MatchHandler{
		cfg:     cfg,
		svc:     svc,
		backend: b,
		index:   match.NewIndex(),
		log:     log,
	}
}

// FaceResult is the classification of one detected face.
type FaceResult struct {
	Box        backend.Box   `json:"box"`
	Verdict    match.Verdict `json:"verdict"`
	Person     string        `json:"person,omitempty"`
	Distance   float64       `json:"distance"`
	Confidence int           `json:"confidence"`
	Label      string        `json:"label"`
}

// Match detects faces in an uploaded image and classifies each against the
// database. The image goes in a multipart field named "image".
func (h *MatchHandler) Match(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, _, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing image upload")
		return
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unsupported image format")
		return
	}

	db, err := h.svc.Database()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load database")
		return
	}

	boxes, encodings, err := h.backend.DetectFaces(r.Context(), img, h.cfg.Pipeline.DetectionModel, 0)
	if err != nil {
		h.log.Error().Err(err).Msg("face detection failed")
		respondError(w, http.StatusBadGateway, "face detection failed")
		return
	}

	thresholds := match.ResolveThresholds(h.cfg, h.backend.Name(), string(h.backend.Metric()), h.log)
	filtered := match.Filter(db, h.backend, h.log)

	faces := make([]FaceResult, 0, len(encodings))
	for i, enc := range encodings {
		normalized := h.backend.NormalizeEncoding(enc)
		res := match.BestMatches(normalized, filtered, h.backend, thresholds)
		verdict := match.Classify(res, thresholds, h.cfg.Matching.Margin, h.cfg.Matching.MinConfidence)

		fr := FaceResult{
			Verdict:    verdict,
			Person:     res.Name,
			Distance:   res.NameDist,
			Confidence: match.Confidence(res.NameDist),
			Label:      match.Label(i, res, verdict),
		}
		if i < len(boxes) {
			fr.Box = boxes[i]
		}
		if verdict == match.VerdictIgnore || verdict == match.VerdictUncertainIgnore {
			fr.Person = ""
			fr.Distance = res.IgnoreDist
			fr.Confidence = match.Confidence(res.IgnoreDist)
		}
		faces = append(faces, fr)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"faces":   faces,
		"backend": h.backend.Name(),
	})
}

// SimilarRequest is a raw-embedding similarity query.
type SimilarRequest struct {
	Embedding []float32 `json:"embedding"`
	Limit     int       `json:"limit"`
}

// SimilarHit is one similarity search result.
type SimilarHit struct {
	Person     string  `json:"person,omitempty"`
	SourceFile string  `json:"source_file,omitempty"`
	Distance   float64 `json:"distance"`
}

// Similar returns the nearest indexed faces to a query embedding. The index
// is built lazily on first use; RebuildIndex refreshes it after database
// changes.
func (h *MatchHandler) Similar(w http.ResponseWriter, r *http.Request) {
	var req SimilarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.Embedding) != h.backend.EncodingDim() {
		respondError(w, http.StatusBadRequest, "embedding has wrong dimension")
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	if h.index.Count() == 0 {
		if err := h.rebuild(); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to build index")
			return
		}
	}

	neighbors, err := h.index.Search(req.Embedding, req.Limit, h.backend)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "similarity search failed")
		return
	}

	hits := make([]SimilarHit, 0, len(neighbors))
	for _, n := range neighbors {
		hits = append(hits, SimilarHit{
			Person:     n.Face.Person,
			SourceFile: n.Face.SourceFile,
			Distance:   n.Distance,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

// RebuildIndex rebuilds the similarity index from the current database.
func (h *MatchHandler) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	if err := h.rebuild(); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build index")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"indexed": h.index.Count()})
}

func (h *MatchHandler) rebuild() error {
	db, err := h.svc.Reload()
	if err != nil {
		return err
	}
	h.index.Build(db, h.backend)
	h.log.Info().Int("indexed", h.index.Count()).Msg("similarity index rebuilt")
	return nil
}
