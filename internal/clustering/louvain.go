package clustering

import (
	"sort"

	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
)

// LouvainClusterer detects communities in a k-NN similarity graph by
// modularity optimization. Edge weights are cosine similarities, so
// strong connections dominate the partition.
type LouvainClusterer struct {
	minClusterSize int
	maxDistance    float64
	resolution     float64
	maxNeighbors   int
}

func NewLouvainClusterer(minClusterSize int, maxDistance float64) *LouvainClusterer {
	return &LouvainClusterer{
		minClusterSize: minClusterSize,
		maxDistance:    maxDistance,
		resolution:     1.0,
		maxNeighbors:   10,
	}
}

func (l *LouvainClusterer) Assign(vectors [][]float64) ([]int, error) {
	labels := make([]int, len(vectors))
	for i := range labels {
		labels[i] = Noise
	}
	if len(vectors) < l.minClusterSize {
		return labels, nil
	}

	g := l.buildGraph(vectors)
	if g.Edges().Len() == 0 {
		return labels, nil
	}

	reduced := community.Modularize(g, l.resolution, nil)
	for clusterID, comm := range reduced.Communities() {
		for _, node := range comm {
			labels[int(node.ID())] = clusterID
		}
	}
	return relabel(labels, l.minClusterSize), nil
}

type neighbor struct {
	idx      int
	distance float64
}

// buildGraph connects each vector to its k nearest neighbors within
// the distance ceiling, weighting edges by similarity.
func (l *LouvainClusterer) buildGraph(vectors [][]float64) *simple.WeightedUndirectedGraph {
	g := simple.NewWeightedUndirectedGraph(0, 0)
	for i := range vectors {
		g.AddNode(simple.Node(int64(i)))
	}

	for i := range vectors {
		var neighbors []neighbor
		for j := range vectors {
			if i == j {
				continue
			}
			d := CosineDistance(vectors[i], vectors[j])
			if d <= l.maxDistance {
				neighbors = append(neighbors, neighbor{idx: j, distance: d})
			}
		}
		sort.Slice(neighbors, func(a, b int) bool {
			return neighbors[a].distance < neighbors[b].distance
		})
		if len(neighbors) > l.maxNeighbors {
			neighbors = neighbors[:l.maxNeighbors]
		}

		for _, n := range neighbors {
			from, to := int64(i), int64(n.idx)
			if g.WeightedEdge(from, to) != nil {
				continue
			}
			g.SetWeightedEdge(simple.WeightedEdge{
				F: simple.Node(from),
				T: simple.Node(to),
				W: 1 - n.distance,
			})
		}
	}
	return g
}
