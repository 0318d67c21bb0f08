package clustering

import (
	"math"
	"testing"
)

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 0},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 1},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, 2},
		{"mismatched", []float64{1}, []float64{1, 2}, 1},
		{"zero vector", []float64{0, 0}, []float64{1, 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineDistance(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineDistance = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCentroid(t *testing.T) {
	vectors := [][]float64{
		{1, 0},
		{3, 2},
		{100, 100},
	}
	got := Centroid(vectors, []int{0, 1})
	want := []float64{2, 1}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("Centroid[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if Centroid(vectors, nil) != nil {
		t.Error("Centroid of no members should be nil")
	}
}

func TestRelabel(t *testing.T) {
	// Cluster 7 has 3 members, cluster 2 has 1 and falls below minimum.
	labels := []int{7, 7, 2, 7, Noise}
	got := relabel(labels, 2)
	want := []int{0, 0, Noise, 0, Noise}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("relabel[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

// twoGroups returns vectors forming two well-separated directions plus
// one outlier orthogonal to both.
func twoGroups() [][]float64 {
	return [][]float64{
		{1, 0.01, 0}, {0.99, 0.02, 0}, {1, 0, 0.01},
		{0.01, 1, 0}, {0.02, 0.99, 0}, {0, 1, 0.01},
		{0, 0, 1},
	}
}

func TestLouvainSeparatesGroups(t *testing.T) {
	c := NewLouvainClusterer(2, 0.3)
	labels, err := c.Assign(twoGroups())
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(labels) != 7 {
		t.Fatalf("got %d labels, want 7", len(labels))
	}

	// The first three share a label, the next three share a different
	// one, and the outlier is noise.
	if labels[0] == Noise || labels[0] != labels[1] || labels[1] != labels[2] {
		t.Errorf("first group not clustered together: %v", labels)
	}
	if labels[3] == Noise || labels[3] != labels[4] || labels[4] != labels[5] {
		t.Errorf("second group not clustered together: %v", labels)
	}
	if labels[0] == labels[3] {
		t.Errorf("groups merged: %v", labels)
	}
	if labels[6] != Noise {
		t.Errorf("outlier should be noise: %v", labels)
	}
}

func TestLouvainTooFewVectors(t *testing.T) {
	c := NewLouvainClusterer(3, 0.3)
	labels, err := c.Assign([][]float64{{1, 0}, {0.99, 0.01}})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	for i, l := range labels {
		if l != Noise {
			t.Errorf("label %d = %d, want noise", i, l)
		}
	}
}

func TestNewStrategySelection(t *testing.T) {
	if _, err := New(Params{Strategy: "hdbscan"}); err != nil {
		t.Errorf("hdbscan strategy: %v", err)
	}
	if _, err := New(Params{Strategy: "louvain"}); err != nil {
		t.Errorf("louvain strategy: %v", err)
	}
	if _, err := New(Params{Strategy: "kmeans"}); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
