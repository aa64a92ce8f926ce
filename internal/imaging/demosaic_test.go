package imaging

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var allPatterns = []BayerPattern{RGGB, BGGR, GBRG, GRBG}

// mosaicOf samples value(color, x, y) at the sensor sites of pattern
func mosaicOf(p BayerPattern, w, h int, value func(c Color, x, y int) float64) *Image {
	img := New(w, h, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			t := tileAt(x, y)
			for c := Red; c <= Blue; c++ {
				if m, _ := p.MethodFor(c, t); m == Identity {
					img.Set(x, y, 0, value(c, x, y))
				}
			}
		}
	}
	return img
}

func TestParseBayerPattern(t *testing.T) {
	for _, p := range allPatterns {
		got, err := ParseBayerPattern(p.String())
		if err != nil || got != p {
			t.Fatalf("ParseBayerPattern(%q) = %v, %v", p.String(), got, err)
		}
	}
	if got, err := ParseBayerPattern(" grbg "); err != nil || got != GRBG {
		t.Fatalf("case-insensitive parse failed: %v, %v", got, err)
	}
	for _, bad := range []string{"", "RGB", "RRGB", "xtrans"} {
		if _, err := ParseBayerPattern(bad); !errors.Is(err, ErrInvalidBayerPattern) {
			t.Fatalf("ParseBayerPattern(%q) error = %v", bad, err)
		}
	}
}

func TestInterpolationTableFollowsGeometry(t *testing.T) {
	for _, p := range allPatterns {
		for c := Red; c <= Blue; c++ {
			sites := p.Sites(c)
			wantSites := 1
			if c == Green {
				wantSites = 2
			}
			if len(sites) != wantSites {
				t.Fatalf("%s color %d: %d sites, want %d", p, c, len(sites), wantSites)
			}
			for pos := P1; pos <= P4; pos++ {
				got, _ := p.MethodFor(c, pos)
				var want Method
				switch {
				case containsPos(sites, pos):
					want = Identity
				case c == Green:
					want = Cross
				case pos.Row() == sites[0].Row():
					want = LeftRight
				case pos.Col() == sites[0].Col():
					want = UpDown
				default:
					want = XShape
				}
				if got != want {
					t.Errorf("%s color %d at P%d: %s, want %s", p, c, pos+1, got, want)
				}
			}
		}
	}
}

func containsPos(list []TilePos, p TilePos) bool {
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}

func TestDemosaicKnownSitesAreLossless(t *testing.T) {
	value := func(c Color, x, y int) float64 {
		return float64(1000*(int(c)+1) + 37*x + 11*y*y)
	}
	for _, p := range allPatterns {
		t.Run(p.String(), func(t *testing.T) {
			src := mosaicOf(p, 8, 6, value)
			out, err := Demosaic(src, p)
			if err != nil {
				t.Fatalf("demosaic: %v", err)
			}
			if out.Channels != 3 || out.Width != 8 || out.Height != 6 {
				t.Fatalf("unexpected shape %s", out.Shape())
			}
			for y := 0; y < src.Height; y++ {
				for x := 0; x < src.Width; x++ {
					for c := Red; c <= Blue; c++ {
						if m, _ := p.MethodFor(c, tileAt(x, y)); m != Identity {
							continue
						}
						if got, want := out.At(x, y, int(c)), value(c, x, y); got != want {
							t.Fatalf("color %d at (%d,%d) = %v, want %v", c, x, y, got, want)
						}
					}
				}
			}
		})
	}
}

func TestDemosaicFlatFieldEverywhere(t *testing.T) {
	flat := map[Color]float64{Red: 120, Green: 340, Blue: 56}
	for _, p := range allPatterns {
		t.Run(p.String(), func(t *testing.T) {
			// odd dimensions put partial tiles on two edges
			src := mosaicOf(p, 7, 5, func(c Color, _, _ int) float64 { return flat[c] })
			out, err := Demosaic(src, p)
			if err != nil {
				t.Fatalf("demosaic: %v", err)
			}
			for y := 0; y < out.Height; y++ {
				for x := 0; x < out.Width; x++ {
					for c := Red; c <= Blue; c++ {
						if got := out.At(x, y, int(c)); got != flat[c] {
							t.Fatalf("color %d at (%d,%d) = %v, want %v", c, x, y, got, flat[c])
						}
					}
				}
			}
		})
	}
}

func TestDemosaicRGGBNeighbourMeans(t *testing.T) {
	src := ramp(4, 4)
	//  1  2  3  4
	//  5  6  7  8
	//  9 10 11 12
	// 13 14 15 16
	out, err := Demosaic(src, RGGB)
	if err != nil {
		t.Fatalf("demosaic: %v", err)
	}
	tests := []struct {
		x, y int
		c    Color
		want float64
	}{
		{1, 0, Red, 2},     // leftright of 1 and 3
		{3, 0, Red, 3},     // right neighbour outside the frame
		{0, 1, Red, 5},     // updown of 1 and 9
		{1, 1, Red, 6},     // x_shape of 1, 3, 9, 11
		{3, 3, Red, 11},    // only one diagonal inside
		{0, 0, Green, 3.5}, // cross of 2 and 5
		{1, 1, Green, 6},   // cross of 5, 7, 2, 10
		{0, 0, Blue, 6},    // single diagonal
		{2, 1, Blue, 7},    // leftright of 6 and 8
	}
	for _, tt := range tests {
		if got := out.At(tt.x, tt.y, int(tt.c)); got != tt.want {
			t.Errorf("color %d at (%d,%d) = %v, want %v", tt.c, tt.x, tt.y, got, tt.want)
		}
	}
	if diff := cmp.Diff(src.Pix, ramp(4, 4).Pix); diff != "" {
		t.Fatalf("demosaic mutated its input:\n%s", diff)
	}
}

func TestDemosaicRejectsBadInput(t *testing.T) {
	if _, err := Demosaic(New(4, 4, 1), BayerPattern(9)); !errors.Is(err, ErrInvalidBayerPattern) {
		t.Fatalf("expected ErrInvalidBayerPattern, got %v", err)
	}
	if _, err := Demosaic(New(4, 4, 3), RGGB); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}
