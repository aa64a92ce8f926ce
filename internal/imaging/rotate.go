package imaging

import "math"

// Rotate turns src counter-clockwise by theta radians about the origin
// (0, 0) using nearest-neighbour sampling. Cells that map outside src
// are set to fill. A zero angle returns a copy.
func Rotate(src *Image, theta float64, fill float64) *Image {
	if theta == 0 {
		return src.Clone()
	}
	out := New(src.Width, src.Height, src.Channels)
	sin, cos := math.Sincos(theta)
	ch := src.Channels
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			fx, fy := float64(x), float64(y)
			sx := int(math.Round(cos*fx + sin*fy))
			sy := int(math.Round(-sin*fx + cos*fy))
			dst := out.Pix[(y*src.Width+x)*ch : (y*src.Width+x+1)*ch]
			if !src.In(sx, sy) {
				for c := range dst {
					dst[c] = fill
				}
				continue
			}
			copy(dst, src.Pix[(sy*src.Width+sx)*ch:(sy*src.Width+sx+1)*ch])
		}
	}
	return out
}
