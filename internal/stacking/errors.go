package stacking

import (
	"errors"
	"fmt"

	"astrostack/internal/imaging"
)

// ErrNoFrames is returned for an empty frame set
var ErrNoFrames = errors.New("no frames to stack")

// FrameLoadError reports a frame that could not be read
type FrameLoadError struct {
	Index int
	Path  string
	Err   error
}

func (e *FrameLoadError) Error() string {
	return fmt.Sprintf("load frame %d (%s): %v", e.Index, e.Path, e.Err)
}

func (e *FrameLoadError) Unwrap() error { return e.Err }

// RegistrationError reports a frame that could not be aligned to the reference
type RegistrationError struct {
	Index int
	Path  string
	Err   error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register frame %d (%s): %v", e.Index, e.Path, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// ShapeMismatchError reports a frame whose dimensions differ from the reference
type ShapeMismatchError struct {
	Index int
	Path  string
	Want  imaging.Shape
	Got   imaging.Shape
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("frame %d (%s) is %s, reference is %s", e.Index, e.Path, e.Got, e.Want)
}

// Is lets errors.Is match imaging.ErrShapeMismatch
func (e *ShapeMismatchError) Is(target error) bool {
	return target == imaging.ErrShapeMismatch
}
