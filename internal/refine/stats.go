package refine

import (
	"math"

	"github.com/kozaktomas/faceid/internal/backend"
)

// Stats summarizes the distance distribution of one person's encodings.
type Stats struct {
	MinDist  float64 `json:"min_dist"`
	MaxDist  float64 `json:"max_dist"`
	MeanDist float64 `json:"mean_dist"`
	StdDist  float64 `json:"std_dist"`
}

// ComputeStats returns min/max/mean/std over a distance slice.
func ComputeStats(dists []float64) Stats {
	if len(dists) == 0 {
		return Stats{}
	}

	min, max, sum := dists[0], dists[0], 0.0
	for _, d := range dists {
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
		sum += d
	}
	mean := sum / float64(len(dists))

	variance := 0.0
	for _, d := range dists {
		diff := d - mean
		variance += diff * diff
	}
	variance /= float64(len(dists))

	return Stats{MinDist: min, MaxDist: max, MeanDist: mean, StdDist: math.Sqrt(variance)}
}

// centroidDistances computes the centroid of a set of embeddings and the
// distance from each embedding to it. For cosine backends the centroid is
// projected back onto the unit sphere so the distances stay comparable to
// the stored unit-length embeddings.
func centroidDistances(encodings [][]float32, b backend.Backend) ([]float32, []float64) {
	dim := len(encodings[0])
	centroid := make([]float32, dim)
	for _, enc := range encodings {
		for i, v := range enc {
			centroid[i] += v
		}
	}
	n := float32(len(encodings))
	for i := range centroid {
		centroid[i] /= n
	}

	if b.Metric() == backend.MetricCosine {
		centroid = backend.L2Normalize(centroid)
	}

	return centroid, b.ComputeDistances(encodings, centroid)
}
