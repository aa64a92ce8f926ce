package imaging

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLinGrayRange(t *testing.T) {
	src, _ := FromSamples(5, 1, 1, []float64{0, 50, 100, -20, 120})
	got := LinGrayRange(src, 0, 100, 255)
	want := []float64{0, 127.5, 255, -51, 306}
	if diff := cmp.Diff(want, got.Pix); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestLinGrayObservedRange(t *testing.T) {
	src, _ := FromSamples(2, 2, 1, []float64{400, 1000, 700, 1600})
	got := LinGray(src, 255)
	if diff := cmp.Diff([]float64{0, 127.5, 63.75, 255}, got.Pix); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestLinGrayFlatInputIsZero(t *testing.T) {
	src, _ := FromSamples(3, 1, 1, []float64{9, 9, 9})
	for _, got := range []*Image{LinGray(src, 255), LinGrayRange(src, 5, 5, 255)} {
		if diff := cmp.Diff([]float64{0, 0, 0}, got.Pix); diff != "" {
			t.Fatalf("(-want +got):\n%s", diff)
		}
	}
}

func TestRotate(t *testing.T) {
	src := ramp(3, 3)
	if diff := cmp.Diff(src, Rotate(src, 0, -1)); diff != "" {
		t.Fatalf("zero angle (-want +got):\n%s", diff)
	}

	// a quarter turn about the origin keeps only column 0 inside the frame
	got := Rotate(src, 1.5707963267948966, -1)
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			want := -1.0
			if x == 0 {
				want = src.At(y, 0, 0)
			}
			if v := got.At(x, y, 0); v != want {
				t.Errorf("(%d,%d) = %v, want %v", x, y, v, want)
			}
		}
	}
}
