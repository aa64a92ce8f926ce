package imaging

import (
	"fmt"
	"math"
)

// Demosaic reconstructs a 3-channel (R, G, B) image from a single-channel
// Bayer mosaic. Known samples pass through unchanged; missing ones are the
// mean of the neighbouring samples of the same color that lie inside the
// frame, so borders only lose neighbours and never pick up zeros.
func Demosaic(src *Image, pattern BayerPattern) (*Image, error) {
	table, ok := interpolation[pattern]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBayerPattern, int(pattern))
	}
	if src.Channels != 1 {
		return nil, fmt.Errorf("%w: demosaic needs 1 channel, got %d", ErrShapeMismatch, src.Channels)
	}

	planes := make([]*Image, 3)
	for c := Red; c <= Blue; c++ {
		sparse := mask(src, pattern.Sites(c))
		reconstructed := make(map[Method]*Image, 3)
		plane := New(src.Width, src.Height, 1)
		for t := P1; t <= P4; t++ {
			m := table[c][t]
			r, ok := reconstructed[m]
			if !ok {
				r = interpolate(sparse, m)
				reconstructed[m] = r
			}
			for y := t.Row(); y < src.Height; y += 2 {
				for x := t.Col(); x < src.Width; x += 2 {
					i := y*src.Width + x
					plane.Pix[i] = r.Pix[i]
				}
			}
		}
		planes[c] = plane
	}
	return Merge(planes...)
}

// mask keeps samples at the given tile positions and zeroes the rest
func mask(src *Image, sites []TilePos) *Image {
	out := New(src.Width, src.Height, 1)
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			t := tileAt(x, y)
			for _, s := range sites {
				if s == t {
					out.Pix[y*src.Width+x] = src.Pix[y*src.Width+x]
					break
				}
			}
		}
	}
	return out
}

func interpolate(sparse *Image, m Method) *Image {
	switch m {
	case LeftRight:
		return leftRight(sparse)
	case UpDown:
		return upDown(sparse)
	case XShape:
		return xShape(sparse)
	case Cross:
		return crossShape(sparse)
	}
	return sparse
}

func leftRight(x *Image) *Image {
	return nanMean(neighbour(x, 1, 0), neighbour(x, -1, 0))
}

func upDown(x *Image) *Image {
	return nanMean(neighbour(x, 0, 1), neighbour(x, 0, -1))
}

func xShape(x *Image) *Image {
	return nanMean(
		neighbour(x, 1, 1), neighbour(x, -1, 1),
		neighbour(x, 1, -1), neighbour(x, -1, -1),
	)
}

func crossShape(x *Image) *Image {
	return nanMean(
		neighbour(x, 1, 0), neighbour(x, -1, 0),
		neighbour(x, 0, 1), neighbour(x, 0, -1),
	)
}

// neighbour moves x by (dx, dy) so cell (c, r) holds the sample at
// (c-dx, r-dy). Cells whose source is outside the frame hold NaN.
func neighbour(x *Image, dx, dy int) *Image {
	return Shift(x, dx, dy, math.NaN())
}

// nanMean averages the non-NaN samples per cell; a cell with none is 0.
func nanMean(layers ...*Image) *Image {
	out := New(layers[0].Width, layers[0].Height, layers[0].Channels)
	for i := range out.Pix {
		var sum float64
		n := 0
		for _, l := range layers {
			v := l.Pix[i]
			if math.IsNaN(v) {
				continue
			}
			sum += v
			n++
		}
		if n > 0 {
			out.Pix[i] = sum / float64(n)
		}
	}
	return out
}
