package imaging

import (
	"gonum.org/v1/gonum/floats"
)

// LinGray rescales src linearly so its observed minimum maps to 0 and its
// maximum maps to max.
func LinGray(src *Image, max float64) *Image {
	if len(src.Pix) == 0 {
		return src.Clone()
	}
	return LinGrayRange(src, floats.Min(src.Pix), floats.Max(src.Pix), max)
}

// LinGrayRange maps lower to 0 and upper to max. Samples outside
// [lower, upper] extrapolate and are not clamped. When lower == upper
// every sample maps to 0.
func LinGrayRange(src *Image, lower, upper, max float64) *Image {
	out := New(src.Width, src.Height, src.Channels)
	span := upper - lower
	if span == 0 {
		return out
	}
	for i, v := range src.Pix {
		out.Pix[i] = (v - lower) * max / span
	}
	return out
}
