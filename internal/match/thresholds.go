package match

import (
	"github.com/rs/zerolog"

	"github.com/kozaktomas/faceid/internal/config"
)

// Thresholds are the resolved distance thresholds for one backend.
type Thresholds struct {
	Match        float64 // max distance to accept a name match
	Ignore       float64 // max distance to suggest ignoring a face
	HardNegative float64 // max distance to a hard negative that vetoes a candidate
}

// ResolveThresholds picks the thresholds for a backend. Resolution order:
// explicit manual configuration, then the per-backend calibration table, then
// the metric-family fallback, then the global config values. Falling past
// the calibrated tiers is logged because it usually means a new backend is
// running with thresholds tuned for a different distance metric.
func ResolveThresholds(cfg *config.Config, backendName, metric string, log zerolog.Logger) Thresholds {
	global := Thresholds{
		Match:        cfg.Matching.MatchThreshold,
		Ignore:       cfg.Matching.IgnoreDistance,
		HardNegative: cfg.Matching.HardNegDistance,
	}

	if cfg.Matching.ThresholdMode == "manual" {
		return global
	}

	if t, ok := cfg.Thresholds.Backends[backendName]; ok {
		return Thresholds{
			Match:        t.MatchThreshold,
			Ignore:       t.IgnoreDistance,
			HardNegative: t.HardNegDistance,
		}
	}

	if t, ok := cfg.Thresholds.Metrics[metric]; ok {
		log.Warn().
			Str("backend", backendName).
			Str("metric", metric).
			Msg("no calibrated thresholds for backend, using metric family defaults")
		return Thresholds{
			Match:        t.MatchThreshold,
			Ignore:       t.IgnoreDistance,
			HardNegative: t.HardNegDistance,
		}
	}

	log.Warn().
		Str("backend", backendName).
		Str("metric", metric).
		Msg("no calibrated thresholds for backend or metric, using global config values")
	return global
}
