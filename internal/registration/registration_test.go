package registration

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"astrostack/internal/imaging"
)

func fixedEstimator(t Transform) Estimator {
	return EstimatorFunc(func(context.Context, *imaging.Image, *imaging.Image) (Transform, error) {
		return t, nil
	})
}

func TestPolicyResolveTruncates(t *testing.T) {
	tests := []struct {
		name string
		in   Transform
		want Alignment
	}{
		{
			name: "sub-threshold",
			in:   Transform{TranslationX: 1.9, TranslationY: -1.99},
			want: Alignment{DX: 1, DY: -1},
		},
		{
			name: "x over threshold",
			in:   Transform{TranslationX: 2.7, TranslationY: 0.4},
			want: Alignment{DX: 2, DY: 0, Shifted: true},
		},
		{
			name: "negative y over threshold",
			in:   Transform{TranslationX: -0.5, TranslationY: -2.01},
			want: Alignment{DX: 0, DY: -2, Shifted: true},
		},
		{
			name: "rotation reported, not applied",
			in:   Transform{Rotation: -0.1},
			want: Alignment{RotationDegrees: -5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.want.Transform = tt.in
			got := DefaultPolicy().Resolve(tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestPolicyApplyRotation(t *testing.T) {
	p := Policy{MinShift: 1, ApplyRotation: true}
	if al := p.Resolve(Transform{Rotation: 0.01}); !al.Rotated || al.RotationDegrees != 0 {
		t.Fatalf("unexpected alignment %+v", al)
	}
	if al := p.Resolve(Transform{}); al.Rotated {
		t.Fatal("zero rotation should not be applied")
	}
}

func TestAdapterSurfacesEstimatorFailure(t *testing.T) {
	est := EstimatorFunc(func(context.Context, *imaging.Image, *imaging.Image) (Transform, error) {
		return Transform{}, ErrInsufficientMatches
	})
	a := NewAdapter(est, DefaultPolicy())
	_, err := a.Register(context.Background(), imaging.New(4, 4, 1), imaging.New(4, 4, 1))
	if !errors.Is(err, ErrInsufficientMatches) {
		t.Fatalf("expected ErrInsufficientMatches, got %v", err)
	}
}

func TestAdapterRejectsShapeMismatch(t *testing.T) {
	a := NewAdapter(fixedEstimator(Transform{}), DefaultPolicy())
	_, err := a.Register(context.Background(), imaging.New(4, 4, 1), imaging.New(5, 4, 1))
	if !errors.Is(err, imaging.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestAdapterHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := NewAdapter(fixedEstimator(Transform{}), DefaultPolicy())
	if _, err := a.Register(ctx, imaging.New(2, 2, 1), imaging.New(2, 2, 1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAdapterApply(t *testing.T) {
	src := imaging.New(5, 5, 1)
	for i := range src.Pix {
		src.Pix[i] = float64(i + 1)
	}
	a := NewAdapter(fixedEstimator(Transform{TranslationX: 3.2, TranslationY: -0.3}), DefaultPolicy())

	al, err := a.Register(context.Background(), src, src)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	got := a.Apply(src, al)
	want := imaging.Shift(src, 3, 0, 0)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	if still := a.Apply(src, Alignment{DX: 1}); still != src {
		t.Fatal("negligible alignment should return the input unchanged")
	}
}

func TestAdapterApplyRotationThenShift(t *testing.T) {
	src := imaging.New(6, 6, 1)
	for i := range src.Pix {
		src.Pix[i] = float64(i)
	}
	tr := Transform{Rotation: math.Pi / 2, TranslationX: 5, TranslationY: 0}
	a := NewAdapter(fixedEstimator(tr), Policy{MinShift: 1, ApplyRotation: true})
	al := a.Policy().Resolve(tr)
	got := a.Apply(src, al)
	want := imaging.Shift(imaging.Rotate(src, math.Pi/2, 0), 5, 0, 0)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}
