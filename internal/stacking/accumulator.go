package stacking

import (
	"fmt"
	"math"

	"astrostack/internal/imaging"
)

// Accumulator keeps a running int64 sum of same-shaped frames
type Accumulator struct {
	shape imaging.Shape
	sum   []int64
	count int
}

func NewAccumulator(shape imaging.Shape) *Accumulator {
	return &Accumulator{
		shape: shape,
		sum:   make([]int64, shape.Width*shape.Height*shape.Channels),
	}
}

// maxSample bounds widened samples to the exactly representable float64
// integers. 1023 saturated frames still fit in an int64 sum.
const maxSample = 1 << 53

// widen converts a sample to int64, truncating toward zero. NaN (FITS
// blank pixels) counts as 0 and values beyond maxSample saturate.
func widen(v float64) int64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= maxSample:
		return maxSample
	case v <= -maxSample:
		return -maxSample
	}
	return int64(v)
}

// Add widens img to int64 and adds it to the total. A frame of a
// different shape is rejected untouched.
func (a *Accumulator) Add(img *imaging.Image) error {
	if img.Shape() != a.shape {
		return fmt.Errorf("%w: got %s, accumulating %s", imaging.ErrShapeMismatch, img.Shape(), a.shape)
	}
	for i, v := range img.Pix {
		a.sum[i] += widen(v)
	}
	a.count++
	return nil
}

// Count is the number of frames added so far
func (a *Accumulator) Count() int { return a.count }

// Average divides the total by the frame count with integer division,
// which truncates toward zero.
func (a *Accumulator) Average() (*imaging.Image, error) {
	if a.count == 0 {
		return nil, ErrNoFrames
	}
	out := imaging.New(a.shape.Width, a.shape.Height, a.shape.Channels)
	n := int64(a.count)
	for i, s := range a.sum {
		out.Pix[i] = float64(s / n)
	}
	return out, nil
}
