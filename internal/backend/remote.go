package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultRemoteURL   = "http://localhost:8000"
	defaultRemoteModel = "buffalo_l"
	defaultRemoteDim   = 512
)

// Remote is a detection backend served over HTTP by an external embedding
// service. The service owns the model; this client only speaks the wire
// contract: POST /detect with a base64 JPEG, boxes and embeddings back.
type Remote struct {
	name    string
	baseURL string
	model   string
	dim     int
	metric  Metric
	client  *http.Client
}

// RemoteConfig configures a Remote backend client.
type RemoteConfig struct {
	Name   string
	URL    string
	Model  string
	Dim    int
	Metric Metric
}

// NewRemote creates a Remote backend client with defaults filled in.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.URL == "" {
		cfg.URL = defaultRemoteURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultRemoteModel
	}
	if cfg.Dim == 0 {
		cfg.Dim = defaultRemoteDim
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}
	if cfg.Name == "" {
		cfg.Name = "insightface"
	}
	return &Remote{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		model:   cfg.Model,
		dim:     cfg.Dim,
		metric:  cfg.Metric,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (r *Remote) Name() string {
	return r.name
}

func (r *Remote) EncodingDim() int {
	return r.dim
}

func (r *Remote) Metric() Metric {
	return r.metric
}

func (r *Remote) ModelInfo() map[string]string {
	return map[string]string{
		"model":  r.model,
		"metric": string(r.metric),
	}
}

// detectRequest represents a request to the detection service
type detectRequest struct {
	Image    string `json:"image"` // base64 encoded JPEG
	Model    string `json:"model"`
	Upsample int    `json:"upsample"`
}

// detectResponse represents a response from the detection service
type detectResponse struct {
	Boxes      []Box       `json:"boxes"`
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model"`
}

// DetectFaces sends the image to the detection service and returns face
// boxes with their embeddings.
func (r *Remote) DetectFaces(ctx context.Context, img image.Image, modelHint string, upsample int) ([]Box, [][]float32, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, nil, fmt.Errorf("encoding image: %w", err)
	}

	if modelHint == "" {
		modelHint = r.model
	}

	payload, err := json.Marshal(detectRequest{
		Image:    base64.StdEncoding.EncodeToString(buf.Bytes()),
		Model:    modelHint,
		Upsample: upsample,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling detect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/detect", bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("creating detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("calling detection service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nil, fmt.Errorf("detection service returned %d: %s", resp.StatusCode, string(body))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, fmt.Errorf("decoding detect response: %w", err)
	}

	if len(out.Boxes) != len(out.Embeddings) {
		return nil, nil, fmt.Errorf("detection service returned %d boxes but %d embeddings", len(out.Boxes), len(out.Embeddings))
	}

	return out.Boxes, out.Embeddings, nil
}

func (r *Remote) ComputeDistances(candidates [][]float32, query []float32) []float64 {
	return Distances(r.metric, candidates, query)
}

func (r *Remote) NormalizeEncoding(enc []float32) []float32 {
	if r.metric == MetricCosine {
		return L2Normalize(enc)
	}
	return enc
}

// AttemptTiers returns the escalation table for this backend. Cosine
// backends are accurate enough that only the resolution varies: mid first
// (fast, usually sufficient), then full, then a down-sampled fallback.
// Euclidean-family backends get the wider model/upsample grid.
func (r *Remote) AttemptTiers(limits TierLimits) []Tier {
	if r.metric == MetricCosine {
		return []Tier{
			{ModelHint: r.model, Upsample: 0, ScaleLabel: "mid", ScalePx: limits.MidPx},
			{ModelHint: r.model, Upsample: 0, ScaleLabel: "full", ScalePx: limits.FullPx},
			{ModelHint: r.model, Upsample: 0, ScaleLabel: "down", ScalePx: limits.DownPx},
		}
	}

	return []Tier{
		{ModelHint: "cnn", Upsample: 0, ScaleLabel: "down", ScalePx: limits.DownPx},
		{ModelHint: "cnn", Upsample: 0, ScaleLabel: "mid", ScalePx: limits.MidPx},
		{ModelHint: "cnn", Upsample: 1, ScaleLabel: "down", ScalePx: limits.DownPx},
		{ModelHint: "hog", Upsample: 0, ScaleLabel: "full", ScalePx: limits.FullPx},
		{ModelHint: "cnn", Upsample: 0, ScaleLabel: "full", ScalePx: limits.FullPx},
		{ModelHint: "cnn", Upsample: 1, ScaleLabel: "mid", ScalePx: limits.MidPx},
		{ModelHint: "cnn", Upsample: 1, ScaleLabel: "full", ScalePx: limits.FullPx},
	}
}
