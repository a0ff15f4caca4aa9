// Package backend defines the detection backend contract: pluggable face
// detection and embedding engines with their own dimensionality and
// distance metric. The rest of the system only talks to the Backend
// interface and never inspects backend internals.
package backend

import (
	"context"
	"image"
)

// Metric identifies the distance metric a backend's embedding space uses.
type Metric string

const (
	MetricEuclidean Metric = "euclidean"
	MetricCosine    Metric = "cosine"
)

// Box is a detected face bounding box in pixel coordinates.
type Box struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Tier is one escalation attempt configuration. Tiers are ordered
// cheapest-first by the backend that produced them.
type Tier struct {
	ModelHint  string `json:"model"`
	Upsample   int    `json:"upsample"`
	ScaleLabel string `json:"scale_label"` // "down", "mid" or "full"
	ScalePx    int    `json:"scale_px"`
}

// TierLimits carries the configured resolution caps for the three tiers.
type TierLimits struct {
	DownPx int
	MidPx  int
	FullPx int
}

// Backend is a face detection and embedding engine.
type Backend interface {
	// Name identifies the backend. Encodings are only ever compared to
	// encodings produced by a backend with the same name.
	Name() string

	// EncodingDim is the embedding dimensionality this backend produces.
	EncodingDim() int

	// Metric is the distance metric of the embedding space.
	Metric() Metric

	// DetectFaces finds faces in an image and returns their boxes and
	// embeddings. The model hint and upsample factor come from the
	// escalation tier being attempted.
	DetectFaces(ctx context.Context, img image.Image, modelHint string, upsample int) ([]Box, [][]float32, error)

	// ComputeDistances returns the distance from the query to each
	// candidate, using the backend's metric.
	ComputeDistances(candidates [][]float32, query []float32) []float64

	// NormalizeEncoding normalizes an embedding before storage
	// (L2-normalization for cosine backends, identity otherwise).
	NormalizeEncoding(enc []float32) []float32

	// ModelInfo returns model metadata, at minimum the "model" key.
	ModelInfo() map[string]string

	// AttemptTiers returns the backend's escalation tier table,
	// cheapest first.
	AttemptTiers(limits TierLimits) []Tier
}

// ModelVersion extracts the model identifier from a backend, used as the
// backend_version field on stored encodings.
func ModelVersion(b Backend) string {
	if m, ok := b.ModelInfo()["model"]; ok && m != "" {
		return m
	}
	return "unknown"
}
