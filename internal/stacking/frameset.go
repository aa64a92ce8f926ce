package stacking

import (
	"context"
	"fmt"
	"strings"

	"astrostack/internal/imaging"
	"astrostack/internal/registration"
)

// FrameSet is an ordered list of frame paths and the index of the reference frame
type FrameSet struct {
	Paths     []string `json:"paths"`
	Reference int      `json:"reference"`
}

// ReferenceIndex returns Reference, or 0 when it is out of range
func (s FrameSet) ReferenceIndex() int {
	if s.Reference < 0 || s.Reference >= len(s.Paths) {
		return 0
	}
	return s.Reference
}

// FrameLoader reads a frame into memory
type FrameLoader interface {
	Load(ctx context.Context, path string) (*imaging.Image, error)
}

// ShapeReader is implemented by loaders that can report frame dimensions
// without decoding pixel data.
type ShapeReader interface {
	Shape(ctx context.Context, path string) (imaging.Shape, error)
}

// Registrar estimates and applies the alignment of a frame to the reference
type Registrar interface {
	Register(ctx context.Context, candidate, reference *imaging.Image) (registration.Alignment, error)
	Apply(candidate *imaging.Image, al registration.Alignment) *imaging.Image
}

// FailurePolicy decides what happens to a frame that cannot be registered
type FailurePolicy string

const (
	Abort FailurePolicy = "abort"
	Skip  FailurePolicy = "skip"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case Abort, Skip:
		return p, nil
	case "":
		return Abort, nil
	}
	return "", fmt.Errorf("unknown registration failure policy %q (want abort or skip)", s)
}

// Options control a stacking run
type Options struct {
	Demosaic              bool
	Pattern               imaging.BayerPattern
	OnRegistrationFailure FailurePolicy
	// Workers > 1 loads and registers frames concurrently
	Workers int
	Depth   imaging.BitDepth
}

func (o Options) normalized() (Options, error) {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Depth == 0 {
		o.Depth = imaging.Depth16
	}
	if !o.Depth.Valid() {
		return o, fmt.Errorf("unsupported output depth %d", o.Depth)
	}
	if o.OnRegistrationFailure == "" {
		o.OnRegistrationFailure = Abort
	}
	if o.OnRegistrationFailure != Abort && o.OnRegistrationFailure != Skip {
		return o, fmt.Errorf("unknown registration failure policy %q", o.OnRegistrationFailure)
	}
	if o.Demosaic && !o.Pattern.Valid() {
		return o, fmt.Errorf("%w: %d", imaging.ErrInvalidBayerPattern, int(o.Pattern))
	}
	return o, nil
}
