package vectorstore

import (
	"testing"
)

func TestKey(t *testing.T) {
	if got := Key(EntityItem, "abc"); got != "item:abc" {
		t.Errorf("Key(item) = %q, want %q", got, "item:abc")
	}
	if got := Key(EntityTrend, "xyz"); got != "trend:xyz" {
		t.Errorf("Key(trend) = %q, want %q", got, "trend:xyz")
	}
}

func TestFormatVector(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want string
	}{
		{"empty", nil, "[]"},
		{"single", []float64{0.5}, "[0.5]"},
		{"multiple", []float64{0.1, -0.2, 1}, "[0.1,-0.2,1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatVector(tt.in); got != tt.want {
				t.Errorf("formatVector(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseVectorRoundTrip(t *testing.T) {
	in := []float64{0.125, -0.75, 3, 0}
	out, err := parseVector(formatVector(in))
	if err != nil {
		t.Fatalf("parseVector: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d values, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("value %d: got %v, want %v", i, out[i], in[i])
		}
	}
}

func TestParseVectorMalformed(t *testing.T) {
	if _, err := parseVector("[1,oops,3]"); err == nil {
		t.Error("expected error for malformed literal")
	}
}

func TestParseVectorEmpty(t *testing.T) {
	out, err := parseVector("[]")
	if err != nil {
		t.Fatalf("parseVector: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("got %d values, want 0", len(out))
	}
}
