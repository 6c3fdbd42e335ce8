package lbph

import (
	"math/rand"
	"sync"

	"github.com/coder/hnsw"
)

// HNSW tuning for LBPH histograms.
const (
	indexMaxNeighbors = 16
	indexEfSearch     = 64
	indexCandidates   = 32
	indexSeed         = 1
)

// annIndex is an approximate nearest neighbour graph over stored histograms.
// It is append-only and shared by every snapshot derived from the model that
// built it. Node keys are ids, not positions: a snapshot keeps the ids of its
// own histograms and ignores any node it does not know.
type annIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	next  uint64
}

func newANNIndex() *annIndex {
	g := hnsw.NewGraph[uint64]()
	g.M = indexMaxNeighbors
	g.Ml = 1.0 / float64(indexMaxNeighbors)
	g.EfSearch = indexEfSearch
	g.Distance = func(a, b []float32) float32 {
		return float32(ChiSquare(a, b))
	}
	g.Rng = rand.New(rand.NewSource(indexSeed))
	return &annIndex{graph: g}
}

// add inserts histograms and returns the ids assigned to them.
func (x *annIndex) add(hists ...[]float32) []uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	ids := make([]uint64, len(hists))
	for i, h := range hists {
		ids[i] = x.next
		x.graph.Add(hnsw.MakeNode(x.next, h))
		x.next++
	}
	return ids
}

// search returns up to k candidate ids close to query.
func (x *annIndex) search(query []float32, k int) []uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.graph.Len() == 0 {
		return nil
	}
	nodes := x.graph.Search(query, k)
	ids := make([]uint64, len(nodes))
	for i, n := range nodes {
		ids[i] = n.Key
	}
	return ids
}
