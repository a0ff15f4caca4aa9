package config

import (
	_ "embed"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/faceid/internal/store"
)

//go:embed thresholds.yaml
var thresholdsYAML []byte

type Config struct {
	DataDir    string
	Embedding  EmbeddingConfig
	Pipeline   PipelineConfig
	Matching   MatchingConfig
	Database   DatabaseConfig
	Web        WebConfig
	Thresholds ThresholdsConfig
}

type EmbeddingConfig struct {
	URL   string // detection service URL, defaults to http://localhost:8000
	Model string // defaults to buffalo_l
	Dim   int    // defaults to 512
}

type PipelineConfig struct {
	Workers        int    // preprocessing worker count (default 1)
	MaxQueue       int    // bounded queue depth between workers and consumer (default 10)
	DetectionModel string // "hog" (fast, CPU) or "cnn" (accurate, GPU)
	DownsamplePx   int    // max width/height for the low-resolution attempt
	MidsamplePx    int    // max width/height for the mid-resolution attempt
	FullResPx      int    // max width/height for the full-resolution attempt
	MaxWaitSeconds int    // max time to wait for a worker result before falling back to in-process work
}

type MatchingConfig struct {
	ThresholdMode   string  // "auto" uses the embedded per-backend table, "manual" uses the values below
	MatchThreshold  float64 // max distance to accept a name match
	IgnoreDistance  float64 // max distance to suggest ignoring a face
	HardNegDistance float64 // max distance to a hard negative that vetoes a candidate
	Margin          float64 // a name must beat ignore by this much to win outright
	MinConfidence   float64 // minimum confidence (0..1) to show a name
	AutoIgnoreOnFix bool    // during fix runs, auto-ignore faces under the ignore threshold
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL for encoding export
	MaxOpenConns int    // default 25
	MaxIdleConns int    // default 5
}

type WebConfig struct {
	Port int // default 8080
}

// ThresholdsConfig is the embedded calibration table: per-backend distance
// thresholds with metric-family fallbacks, plus refinement defaults.
type ThresholdsConfig struct {
	Backends   map[string]BackendThresholds `yaml:"backends"`
	Metrics    map[string]BackendThresholds `yaml:"metrics"`
	Refinement RefinementDefaults           `yaml:"refinement"`
}

type BackendThresholds struct {
	MatchThreshold  float64 `yaml:"match_threshold"`
	IgnoreDistance  float64 `yaml:"ignore_distance"`
	HardNegDistance float64 `yaml:"hard_negative_distance"`
}

type RefinementDefaults struct {
	StdThreshold         float64 `yaml:"std_threshold"`
	ClusterDistance      float64 `yaml:"cluster_distance"`
	ClusterMinSize       int     `yaml:"cluster_min_size"`
	MahalanobisThreshold float64 `yaml:"mahalanobis_threshold"`
	MinEncodings         int     `yaml:"min_encodings"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable and parses it as a positive float.
// Returns the default value if the env var is unset, empty, or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return defaultVal
	}
	return b
}

func Load() *Config {
	var thresholds ThresholdsConfig
	if err := yaml.Unmarshal(thresholdsYAML, &thresholds); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded thresholds.yaml: " + err.Error())
	}

	return &Config{
		DataDir: envString("FACEID_DATA_DIR", store.DefaultDir()),
		Embedding: EmbeddingConfig{
			URL:   envString("EMBEDDING_URL", "http://localhost:8000"),
			Model: envString("EMBEDDING_MODEL", "buffalo_l"),
			Dim:   envInt("EMBEDDING_DIM", 512),
		},
		Pipeline: PipelineConfig{
			Workers:        envInt("FACEID_WORKERS", 1),
			MaxQueue:       envInt("FACEID_MAX_QUEUE", 10),
			DetectionModel: envString("FACEID_DETECTION_MODEL", "hog"),
			DownsamplePx:   envInt("FACEID_DOWNSAMPLE_PX", 2800),
			MidsamplePx:    envInt("FACEID_MIDSAMPLE_PX", 4500),
			FullResPx:      envInt("FACEID_FULLRES_PX", 8000),
			MaxWaitSeconds: envInt("FACEID_MAX_WORKER_WAIT", 90),
		},
		Matching: MatchingConfig{
			ThresholdMode:   envString("FACEID_THRESHOLD_MODE", "auto"),
			MatchThreshold:  envFloat("FACEID_MATCH_THRESHOLD", 0.54),
			IgnoreDistance:  envFloat("FACEID_IGNORE_DISTANCE", 0.48),
			HardNegDistance: envFloat("FACEID_HARD_NEGATIVE_DISTANCE", 0.45),
			Margin:          envFloat("FACEID_PREFER_NAME_MARGIN", 0.15),
			MinConfidence:   envFloat("FACEID_MIN_CONFIDENCE", 0.5),
			AutoIgnoreOnFix: envBool("FACEID_AUTO_IGNORE_ON_FIX", true),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Web: WebConfig{
			Port: envInt("FACEID_PORT", 8080),
		},
		Thresholds: thresholds,
	}
}

// BackendThresholds resolves the calibrated thresholds for a backend,
// falling back to the metric family when the backend has no entry of its
// own. The second return reports whether any entry was found.
func (c *Config) BackendThresholds(backendName, metric string) (BackendThresholds, bool) {
	if t, ok := c.Thresholds.Backends[backendName]; ok {
		return t, true
	}
	if t, ok := c.Thresholds.Metrics[metric]; ok {
		return t, true
	}
	return BackendThresholds{}, false
}
