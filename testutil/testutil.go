package testutil

import (
	"cmp"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/viterin/vek/vek32"
)

// SearchResult is a ground-truth neighbor.
type SearchResult struct {
	ID       int64
	Distance float32
}

// RNG is a seeded random source safe for concurrent use.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed int64
}

// NewRNG creates a new RNG with the given seed.
func NewRNG(seed int64) *RNG {
	return &RNG{rand: rand.New(rand.NewSource(seed)), seed: seed}
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 { return r.seed }

// Intn returns a value in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// vectors fills num rows of dim values from gen over one backing array.
func (r *RNG) vectors(num, dim int, gen func() float32) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	out := make([][]float32, num)
	for i := range num {
		row := data[i*dim : (i+1)*dim : (i+1)*dim]
		for j := range row {
			row[j] = gen()
		}
		out[i] = row
	}
	return out
}

// UniformVectors returns vectors with values in [0, 1).
func (r *RNG) UniformVectors(num, dim int) [][]float32 {
	return r.vectors(num, dim, r.rand.Float32)
}

// UniformRangeVectors returns vectors with values in [-1, 1).
func (r *RNG) UniformRangeVectors(num, dim int) [][]float32 {
	return r.vectors(num, dim, func() float32 { return r.rand.Float32()*2 - 1 })
}

// GaussianVectors returns vectors drawn from a standard normal distribution.
func (r *RNG) GaussianVectors(num, dim int) [][]float32 {
	return r.vectors(num, dim, func() float32 { return float32(r.rand.NormFloat64()) })
}

// UnitVectors returns L2-normalized Gaussian vectors.
func (r *RNG) UnitVectors(num, dim int) [][]float32 {
	out := r.GaussianVectors(num, dim)
	for _, v := range out {
		norm := vek32.Norm(v)
		if norm == 0 {
			continue
		}
		vek32.MulNumber_Inplace(v, 1/norm)
	}
	return out
}

// BinaryVectors returns vectors of zeros and ones, set with probability p.
func (r *RNG) BinaryVectors(num, dim int, p float64) [][]float32 {
	return r.vectors(num, dim, func() float32 {
		if r.rand.Float64() < p {
			return 1
		}
		return 0
	})
}

// ClusteredVectors returns vectors scattered around clusters unit centroids.
func (r *RNG) ClusteredVectors(num, dim, clusters int, spread float32) [][]float32 {
	centroids := r.UnitVectors(clusters, dim)
	i := 0
	return r.vectors(num, dim, func() float32 {
		c := centroids[(i/dim)%clusters][i%dim]
		i++
		return c + float32(r.rand.NormFloat64())*spread
	})
}

// ExactTopK returns the k nearest rows of data to query under fn, ordered
// by ascending distance with ties broken by id.
func ExactTopK(query []float32, data [][]float32, ids []int64, k int, fn func(a, b []float32) float32) []SearchResult {
	all := make([]SearchResult, 0, len(data))
	for i, v := range data {
		if v == nil {
			continue
		}
		d := fn(query, v)
		if math.IsNaN(float64(d)) {
			continue
		}
		all = append(all, SearchResult{ID: ids[i], Distance: d})
	}
	slices.SortFunc(all, func(a, b SearchResult) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return all[:min(k, len(all))]
}

// ComputeRecall returns the share of the first min(len) ground-truth ids
// found in approximate.
func ComputeRecall(groundTruth, approximate []SearchResult) float64 {
	if len(groundTruth) == 0 || len(approximate) == 0 {
		if len(groundTruth) == 0 && len(approximate) == 0 {
			return 1.0
		}
		return 0.0
	}

	k := min(len(approximate), len(groundTruth))
	truth := make(map[int64]struct{}, k)
	for i := range k {
		truth[groundTruth[i].ID] = struct{}{}
	}

	hits := 0
	for _, r := range approximate[:k] {
		if _, ok := truth[r.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(k)
}

// SequentialIDs returns n ids starting at start.
func SequentialIDs(n int, start int64) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = start + int64(i)
	}
	return ids
}
