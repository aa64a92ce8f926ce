package imaging

// Shift translates src by dx columns and dy rows. Output (x, y) takes the
// input sample at (x-dx, y-dy) when that lies inside src, fill otherwise.
// All channels move together. Zero offsets return an independent copy.
func Shift(src *Image, dx, dy int, fill float64) *Image {
	out := src.Clone()
	if dx != 0 {
		out = shiftCols(out, dx, fill)
	}
	if dy != 0 {
		out = shiftRows(out, dy, fill)
	}
	return out
}

func shiftCols(src *Image, dx int, fill float64) *Image {
	out := New(src.Width, src.Height, src.Channels)
	ch := src.Channels
	for y := 0; y < src.Height; y++ {
		row := y * src.Width * ch
		for x := 0; x < src.Width; x++ {
			sx := x - dx
			dst := out.Pix[row+x*ch : row+(x+1)*ch]
			if sx < 0 || sx >= src.Width {
				for c := range dst {
					dst[c] = fill
				}
				continue
			}
			copy(dst, src.Pix[row+sx*ch:row+(sx+1)*ch])
		}
	}
	return out
}

func shiftRows(src *Image, dy int, fill float64) *Image {
	out := New(src.Width, src.Height, src.Channels)
	stride := src.Width * src.Channels
	for y := 0; y < src.Height; y++ {
		sy := y - dy
		dst := out.Pix[y*stride : (y+1)*stride]
		if sy < 0 || sy >= src.Height {
			for i := range dst {
				dst[i] = fill
			}
			continue
		}
		copy(dst, src.Pix[sy*stride:(sy+1)*stride])
	}
	return out
}
