package clustering

import (
	"fmt"
	"reflect"

	"github.com/humilityai/hdbscan"
)

// HDBSCANClusterer discovers density-based clusters; the cluster count
// is found automatically and low-density vectors become Noise.
type HDBSCANClusterer struct {
	MinClusterSize int
}

func (h *HDBSCANClusterer) Assign(vectors [][]float64) ([]int, error) {
	labels := make([]int, len(vectors))
	for i := range labels {
		labels[i] = Noise
	}
	// Below the minimum there is nothing to cluster.
	if len(vectors) < h.MinClusterSize {
		return labels, nil
	}

	clustering, err := hdbscan.NewClustering(vectors, h.MinClusterSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create clustering: %w", err)
	}
	clustering = clustering.OutlierDetection()

	if err := clustering.Run(CosineDistance, hdbscan.VarianceScore, true); err != nil {
		return nil, fmt.Errorf("clustering failed: %w", err)
	}

	for clusterID, points := range extractClusterPoints(clustering) {
		for _, pointIdx := range points {
			if pointIdx >= 0 && pointIdx < len(labels) {
				labels[pointIdx] = clusterID
			}
		}
	}
	return relabel(labels, h.MinClusterSize), nil
}

// extractClusterPoints reads point assignments out of the library's
// unexported cluster structs via reflection. The Clusters field is a
// slice of *cluster, each carrying Points []int.
func extractClusterPoints(clustering *hdbscan.Clustering) [][]int {
	v := reflect.ValueOf(clustering).Elem()
	clustersField := v.FieldByName("Clusters")
	if !clustersField.IsValid() {
		return nil
	}

	result := make([][]int, clustersField.Len())
	for i := 0; i < clustersField.Len(); i++ {
		clusterVal := clustersField.Index(i)
		if clusterVal.Kind() == reflect.Ptr {
			clusterVal = clusterVal.Elem()
		}
		pointsField := clusterVal.FieldByName("Points")
		if !pointsField.IsValid() || pointsField.Kind() != reflect.Slice {
			continue
		}
		points := make([]int, pointsField.Len())
		for j := 0; j < pointsField.Len(); j++ {
			points[j] = int(pointsField.Index(j).Int())
		}
		result[i] = points
	}
	return result
}
