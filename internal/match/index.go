package match

import (
	"errors"
	"sync"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/faceid/internal/backend"
	"github.com/kozaktomas/faceid/internal/store"
)

const indexMaxNeighbors = 16

// IndexedFace is the metadata attached to one indexed embedding.
type IndexedFace struct {
	Person       string // "" for ignored entries
	SourceFile   string
	IdentityHash string
}

// Index is an approximate nearest neighbor index over every embedding in
// the database, used for similarity search across persons. Exact matching
// goes through BestMatches; the index only serves exploratory queries.
type Index struct {
	mu       sync.RWMutex
	graph    *hnsw.Graph[int64]
	idToFace map[int64]IndexedFace
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{idToFace: make(map[int64]IndexedFace)}
}

// Build populates the index from the database, restricted to the given
// backend's embeddings.
func (ix *Index) Build(db *store.Database, b backend.Backend) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	g := hnsw.NewGraph[int64]()
	g.M = indexMaxNeighbors
	g.Ml = 1.0 / float64(indexMaxNeighbors)
	if b.Metric() == backend.MetricCosine {
		g.Distance = hnsw.CosineDistance
	} else {
		g.Distance = hnsw.EuclideanDistance
	}

	ix.idToFace = make(map[int64]IndexedFace)
	var id int64

	add := func(person string, entries []store.EncodingEntry) {
		for _, e := range entries {
			if !e.HasEmbedding() || e.Backend != b.Name() || len(e.Embedding) != b.EncodingDim() {
				continue
			}
			g.Add(hnsw.MakeNode(id, e.Embedding))
			ix.idToFace[id] = IndexedFace{
				Person:       person,
				SourceFile:   e.SourceFile,
				IdentityHash: e.IdentityHash,
			}
			id++
		}
	}

	for name, entries := range db.Known {
		add(name, entries)
	}
	add("", db.Ignored)

	ix.graph = g
}

// Neighbor is one similarity search hit.
type Neighbor struct {
	Face     IndexedFace
	Distance float64
}

// Search returns the k nearest indexed faces to the query embedding.
func (ix *Index) Search(query []float32, k int, b backend.Backend) ([]Neighbor, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.graph == nil {
		return nil, errors.New("index not built")
	}

	nodes := ix.graph.Search(query, k)
	out := make([]Neighbor, 0, len(nodes))
	for _, n := range nodes {
		face, ok := ix.idToFace[n.Key]
		if !ok {
			continue
		}
		dists := b.ComputeDistances([][]float32{n.Value}, query)
		out = append(out, Neighbor{Face: face, Distance: dists[0]})
	}
	return out, nil
}

// Count returns the number of indexed embeddings.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.idToFace)
}
