package registration

import (
	"context"
	"errors"
	"fmt"
	"math"

	"astrostack/internal/imaging"
)

// ErrInsufficientMatches is returned when too few features pair up between two frames
var ErrInsufficientMatches = errors.New("insufficient feature matches")

// Transform maps candidate coordinates onto the reference:
// reference ≈ R(Rotation)·candidate + (TranslationX, TranslationY).
// Rotation is in radians, counter-clockwise in pixel coordinates.
type Transform struct {
	Rotation     float64 `json:"rotation"`
	TranslationX float64 `json:"translationX"`
	TranslationY float64 `json:"translationY"`
}

// Estimator produces a Transform for a candidate frame against a reference frame.
type Estimator interface {
	Estimate(ctx context.Context, candidate, reference *imaging.Image) (Transform, error)
}

// EstimatorFunc adapts a function to Estimator
type EstimatorFunc func(ctx context.Context, candidate, reference *imaging.Image) (Transform, error)

func (f EstimatorFunc) Estimate(ctx context.Context, candidate, reference *imaging.Image) (Transform, error) {
	return f(ctx, candidate, reference)
}

// Policy decides which parts of a Transform are applied to pixel data
type Policy struct {
	// MinShift is the largest integer offset treated as negligible.
	MinShift int `json:"minShift"`
	// ApplyRotation enables nearest-neighbour rotation before the shift.
	ApplyRotation bool `json:"applyRotation"`
}

// DefaultPolicy shifts only when an axis moves by more than one pixel and never rotates.
func DefaultPolicy() Policy {
	return Policy{MinShift: 1}
}

// Alignment is a Transform reduced to integer pixel terms plus the
// decision of what will be applied.
type Alignment struct {
	Transform       Transform `json:"transform"`
	RotationDegrees int       `json:"rotationDegrees"`
	DX              int       `json:"dx"`
	DY              int       `json:"dy"`
	Shifted         bool      `json:"shifted"`
	Rotated         bool      `json:"rotated"`
}

// Resolve truncates t toward zero and applies the policy
func (p Policy) Resolve(t Transform) Alignment {
	a := Alignment{
		Transform:       t,
		RotationDegrees: int(t.Rotation * 180 / math.Pi),
		DX:              int(t.TranslationX),
		DY:              int(t.TranslationY),
	}
	a.Shifted = absInt(a.DX) > p.MinShift || absInt(a.DY) > p.MinShift
	a.Rotated = p.ApplyRotation && t.Rotation != 0
	return a
}

// Adapter wraps an Estimator with the alignment policy
type Adapter struct {
	estimator Estimator
	policy    Policy
}

func NewAdapter(estimator Estimator, policy Policy) *Adapter {
	return &Adapter{estimator: estimator, policy: policy}
}

// Policy returns the adapter's policy
func (a *Adapter) Policy() Policy { return a.policy }

// Register estimates how candidate maps onto reference. Estimator
// failures are returned unchanged in the error chain.
func (a *Adapter) Register(ctx context.Context, candidate, reference *imaging.Image) (Alignment, error) {
	if err := ctx.Err(); err != nil {
		return Alignment{}, err
	}
	if !candidate.SameShape(reference) {
		return Alignment{}, fmt.Errorf("%w: candidate %s, reference %s", imaging.ErrShapeMismatch, candidate.Shape(), reference.Shape())
	}
	t, err := a.estimator.Estimate(ctx, candidate, reference)
	if err != nil {
		return Alignment{}, fmt.Errorf("estimate transform: %w", err)
	}
	return a.policy.Resolve(t), nil
}

// Apply moves candidate into the reference frame. When neither rotation
// nor shift is due, candidate itself is returned.
func (a *Adapter) Apply(candidate *imaging.Image, al Alignment) *imaging.Image {
	out := candidate
	if al.Rotated {
		out = imaging.Rotate(out, al.Transform.Rotation, 0)
	}
	if al.Shifted {
		out = imaging.Shift(out, al.DX, al.DY, 0)
	}
	return out
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
