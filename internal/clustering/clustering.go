// Package clustering groups embedding vectors into topic clusters.
// Two strategies are available: HDBSCAN density clustering and Louvain
// community detection over a k-NN similarity graph. Both operate on
// cosine distance, which behaves far better than Euclidean on 768-dim
// embeddings.
package clustering

import (
	"math"

	"trendlens/internal/core"
)

// Noise is the label for vectors that belong to no cluster.
const Noise = -1

// Params configures a clustering run.
type Params struct {
	// Strategy selects the algorithm: "hdbscan" or "louvain".
	Strategy string

	// MinClusterSize is the smallest allowed cluster; smaller groups
	// are labeled Noise.
	MinClusterSize int

	// MaxDistance is the cosine distance ceiling for two vectors to be
	// considered related.
	MaxDistance float64
}

// Clusterer assigns a cluster label to each input vector. Labels are
// contiguous from 0; Noise marks unclustered vectors. The output slice
// always has the same length as the input.
type Clusterer interface {
	Assign(vectors [][]float64) ([]int, error)
}

// New builds a clusterer for the given parameters.
func New(p Params) (Clusterer, error) {
	if p.MinClusterSize < 2 {
		p.MinClusterSize = 2
	}
	if p.MaxDistance <= 0 {
		p.MaxDistance = 0.3
	}
	switch p.Strategy {
	case "", "hdbscan":
		return &HDBSCANClusterer{MinClusterSize: p.MinClusterSize}, nil
	case "louvain":
		return NewLouvainClusterer(p.MinClusterSize, p.MaxDistance), nil
	default:
		return nil, core.Errorf(core.KindValidation, "unknown clustering strategy %q", p.Strategy)
	}
}

// CosineDistance is 1 - cosine similarity, in [0,2]. Mismatched or
// zero vectors get the maximum sensible distance of 1.
func CosineDistance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 1
	}
	sim := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return 1 - sim
}

// Centroid averages the vectors at the given indices.
func Centroid(vectors [][]float64, members []int) []float64 {
	if len(members) == 0 {
		return nil
	}
	dim := len(vectors[members[0]])
	centroid := make([]float64, dim)
	for _, idx := range members {
		for i, v := range vectors[idx] {
			centroid[i] += v
		}
	}
	for i := range centroid {
		centroid[i] /= float64(len(members))
	}
	return centroid
}

// relabel renumbers cluster labels to be contiguous from 0 and demotes
// clusters below minSize to Noise.
func relabel(labels []int, minSize int) []int {
	sizes := make(map[int]int)
	for _, l := range labels {
		if l != Noise {
			sizes[l]++
		}
	}

	next := 0
	mapping := make(map[int]int)
	out := make([]int, len(labels))
	for i, l := range labels {
		if l == Noise || sizes[l] < minSize {
			out[i] = Noise
			continue
		}
		if _, ok := mapping[l]; !ok {
			mapping[l] = next
			next++
		}
		out[i] = mapping[l]
	}
	return out
}
