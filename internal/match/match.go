// Package match finds the closest known person and closest ignored example
// for a face embedding, and turns the distances into a verdict.
package match

import (
	"github.com/rs/zerolog"

	"github.com/kozaktomas/faceid/internal/backend"
	"github.com/kozaktomas/faceid/internal/store"
)

// FilteredDatabase holds embeddings pre-filtered for one backend. Filtering
// once per image amortizes the validation cost over all faces in the image.
type FilteredDatabase struct {
	Known         map[string][][]float32
	Ignored       [][]float32
	HardNegatives map[string][][]float32
}

// Filter selects the embeddings produced by the given backend, dropping
// entries from other backends and entries whose dimension does not match.
// Dimension mismatches are logged: they indicate a corrupted entry or a
// backend upgrade that changed the embedding size.
func Filter(db *store.Database, b backend.Backend, log zerolog.Logger) *FilteredDatabase {
	f := &FilteredDatabase{
		Known:         make(map[string][][]float32, len(db.Known)),
		HardNegatives: make(map[string][][]float32, len(db.HardNegatives)),
	}

	for name, entries := range db.Known {
		if encs := filterEntries(entries, b, "known:"+name, log); len(encs) > 0 {
			f.Known[name] = encs
		}
	}
	f.Ignored = filterEntries(db.Ignored, b, "ignored", log)
	for name, entries := range db.HardNegatives {
		if encs := filterEntries(entries, b, "hardneg:"+name, log); len(encs) > 0 {
			f.HardNegatives[name] = encs
		}
	}
	return f
}

func filterEntries(entries []store.EncodingEntry, b backend.Backend, context string, log zerolog.Logger) [][]float32 {
	var out [][]float32
	for _, e := range entries {
		if !e.HasEmbedding() || e.Backend != b.Name() {
			continue
		}
		if len(e.Embedding) != b.EncodingDim() {
			log.Warn().
				Str("context", context).
				Int("expected", b.EncodingDim()).
				Int("got", len(e.Embedding)).
				Msg("encoding dimension mismatch, skipping entry")
			continue
		}
		out = append(out, e.Embedding)
	}
	return out
}

// Result is the outcome of matching one embedding against the database.
// HasName/HasIgnore report whether a candidate exists at all; the distances
// are only meaningful when the corresponding flag is set.
type Result struct {
	Name     string
	NameDist float64
	HasName  bool

	IgnoreIndex int
	IgnoreDist  float64
	HasIgnore   bool
}

// BestMatches finds the closest known person and the closest ignored example
// for an embedding. A person whose hard-negative set contains an embedding
// within the hard-negative threshold is excluded entirely before their
// positive distances are considered: a hard-negative hit always wins over a
// coincidentally close positive match.
func BestMatches(encoding []float32, f *FilteredDatabase, b backend.Backend, thresholds Thresholds) Result {
	var res Result

	for name, encs := range f.Known {
		if negs, ok := f.HardNegatives[name]; ok && len(negs) > 0 {
			negDists := b.ComputeDistances(negs, encoding)
			if minOf(negDists) < thresholds.HardNegative {
				continue
			}
		}

		dists := b.ComputeDistances(encs, encoding)
		minDist := minOf(dists)
		if !res.HasName || minDist < res.NameDist {
			res.Name = name
			res.NameDist = minDist
			res.HasName = true
		}
	}

	if len(f.Ignored) > 0 {
		dists := b.ComputeDistances(f.Ignored, encoding)
		res.IgnoreIndex, res.IgnoreDist = argmin(dists)
		res.HasIgnore = true
	}
	return res
}

func minOf(dists []float64) float64 {
	_, min := argmin(dists)
	return min
}

func argmin(dists []float64) (int, float64) {
	idx := 0
	min := dists[0]
	for i, d := range dists[1:] {
		if d < min {
			min = d
			idx = i + 1
		}
	}
	return idx, min
}
