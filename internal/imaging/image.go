package imaging

import (
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when two images or sample buffers disagree in shape
var ErrShapeMismatch = errors.New("image shape mismatch")

// Image is a row-major sample array with interleaved channels.
// Sample (x, y, c) lives at Pix[(y*Width+x)*Channels+c].
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []float64
}

// Shape describes the dimensions of an Image
type Shape struct {
	Width    int
	Height   int
	Channels int
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.Channels)
}

// New allocates a zeroed image
func New(width, height, channels int) *Image {
	return &Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]float64, width*height*channels),
	}
}

// FromSamples wraps pix as an image after checking its length
func FromSamples(width, height, channels int, pix []float64) (*Image, error) {
	if width < 0 || height < 0 || channels < 1 {
		return nil, fmt.Errorf("invalid dimensions %dx%dx%d", width, height, channels)
	}
	if len(pix) != width*height*channels {
		return nil, fmt.Errorf("%w: %d samples for %dx%dx%d", ErrShapeMismatch, len(pix), width, height, channels)
	}
	return &Image{Width: width, Height: height, Channels: channels, Pix: pix}, nil
}

// Shape returns the dimensions of m
func (m *Image) Shape() Shape {
	return Shape{Width: m.Width, Height: m.Height, Channels: m.Channels}
}

// SameShape reports whether m and o have identical dimensions
func (m *Image) SameShape(o *Image) bool {
	return m.Shape() == o.Shape()
}

func (m *Image) offset(x, y, c int) int {
	return (y*m.Width+x)*m.Channels + c
}

// In reports whether (x, y) lies inside the image
func (m *Image) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.Width && y < m.Height
}

// At returns the sample at (x, y) in channel c
func (m *Image) At(x, y, c int) float64 {
	return m.Pix[m.offset(x, y, c)]
}

// Set stores v at (x, y) in channel c
func (m *Image) Set(x, y, c int, v float64) {
	m.Pix[m.offset(x, y, c)] = v
}

// Clone returns a deep copy
func (m *Image) Clone() *Image {
	out := &Image{Width: m.Width, Height: m.Height, Channels: m.Channels, Pix: make([]float64, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

// Channel extracts channel c as a single-channel image
func (m *Image) Channel(c int) *Image {
	out := New(m.Width, m.Height, 1)
	for i := range out.Pix {
		out.Pix[i] = m.Pix[i*m.Channels+c]
	}
	return out
}

// Merge interleaves single-channel planes into one image, in argument order.
func Merge(planes ...*Image) (*Image, error) {
	if len(planes) == 0 {
		return nil, errors.New("merge needs at least one plane")
	}
	first := planes[0]
	for i, p := range planes {
		if p.Channels != 1 || p.Width != first.Width || p.Height != first.Height {
			return nil, fmt.Errorf("%w: plane %d is %s", ErrShapeMismatch, i, p.Shape())
		}
	}
	out := New(first.Width, first.Height, len(planes))
	n := first.Width * first.Height
	for c, p := range planes {
		for i := 0; i < n; i++ {
			out.Pix[i*len(planes)+c] = p.Pix[i]
		}
	}
	return out, nil
}

// BitDepth is an unsigned integer output depth
type BitDepth int

const (
	Depth8  BitDepth = 8
	Depth16 BitDepth = 16
)

// Max returns the largest representable sample value
func (d BitDepth) Max() float64 {
	return float64(uint64(1)<<uint(d) - 1)
}

// Valid reports whether d is a supported depth
func (d BitDepth) Valid() bool {
	return d == Depth8 || d == Depth16
}

// Narrow truncates every sample toward zero and clamps it into the
// unsigned range of depth. NaN becomes zero.
func (m *Image) Narrow(depth BitDepth) *Image {
	limit := depth.Max()
	out := &Image{Width: m.Width, Height: m.Height, Channels: m.Channels, Pix: make([]float64, len(m.Pix))}
	for i, v := range m.Pix {
		switch {
		case math.IsNaN(v) || v <= 0:
			out.Pix[i] = 0
		case v >= limit:
			out.Pix[i] = limit
		default:
			out.Pix[i] = math.Trunc(v)
		}
	}
	return out
}
