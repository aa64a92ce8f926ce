package imaging

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFromSamplesLength(t *testing.T) {
	if _, err := FromSamples(2, 2, 1, make([]float64, 3)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	img, err := FromSamples(2, 1, 3, []float64{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := img.At(1, 0, 2); got != 6 {
		t.Fatalf("At(1,0,2) = %v, want 6", got)
	}
}

func TestChannelMerge(t *testing.T) {
	img, _ := FromSamples(2, 1, 3, []float64{1, 2, 3, 4, 5, 6})
	merged, err := Merge(img.Channel(0), img.Channel(1), img.Channel(2))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if diff := cmp.Diff(img, merged); diff != "" {
		t.Fatalf("merge mismatch (-want +got):\n%s", diff)
	}

	if _, err := Merge(New(2, 1, 1), New(3, 1, 1)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	img := New(2, 2, 1)
	c := img.Clone()
	c.Set(0, 0, 0, 9)
	if img.At(0, 0, 0) != 0 {
		t.Fatal("clone shares storage with source")
	}
}

func TestNarrow(t *testing.T) {
	img, _ := FromSamples(6, 1, 1, []float64{-3, 0.9, 12.7, 255.5, 300, 70000})
	tests := []struct {
		depth BitDepth
		want  []float64
	}{
		{Depth8, []float64{0, 0, 12, 255, 255, 255}},
		{Depth16, []float64{0, 0, 12, 255, 300, 65535}},
	}
	for _, tt := range tests {
		got := img.Narrow(tt.depth)
		if diff := cmp.Diff(tt.want, got.Pix); diff != "" {
			t.Errorf("depth %d (-want +got):\n%s", tt.depth, diff)
		}
	}
	if img.Pix[2] != 12.7 {
		t.Fatal("narrow mutated its input")
	}
}
