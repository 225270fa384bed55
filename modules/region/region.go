// Package region provides the normalized scanning rectangle that bounds
// where a recognizer looks inside each frame.
//
// Coordinates are fractions of the frame size (0.0 - 1.0) so the same region
// works across resolutions and orientations of the source.
//
// Invariants (enforced by Validate, never repaired by clamping):
//
//	0 <= X, 0 <= Y, Width > 0, Height > 0, X+Width <= 1, Y+Height <= 1
package region

import (
	"errors"
	"fmt"
	"math"
)

// tolerance absorbs float rounding of sums like 0.2+0.8
const tolerance = 1e-9

// ErrInvalidRegion is matched by every *ValidationError
var ErrInvalidRegion = errors.New("region: invalid scanning region")

// Region is a normalized rectangle (top-left origin)
type Region struct {
	X      float64 `json:"x" yaml:"x" mapstructure:"x"`
	Y      float64 `json:"y" yaml:"y" mapstructure:"y"`
	Width  float64 `json:"width" yaml:"width" mapstructure:"width"`
	Height float64 `json:"height" yaml:"height" mapstructure:"height"`
}

// Full returns the region covering the whole frame
func Full() Region {
	return Region{X: 0, Y: 0, Width: 1, Height: 1}
}

// New builds a region and validates it
func New(x, y, width, height float64) (Region, error) {
	r := Region{X: x, Y: y, Width: width, Height: height}
	if err := r.Validate(); err != nil {
		return Region{}, err
	}
	return r, nil
}

// ValidationError reports which invariant a region breaks
type ValidationError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("region: %s=%g: %s", e.Field, e.Value, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidRegion) hold
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRegion
}

// Validate checks every invariant. The first violation wins.
func (r Region) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"x", r.X}, {"y", r.Y}, {"width", r.Width}, {"height", r.Height},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return &ValidationError{Field: f.name, Value: f.v, Reason: "must be finite"}
		}
	}

	if r.X < 0 {
		return &ValidationError{Field: "x", Value: r.X, Reason: "must be >= 0"}
	}
	if r.Y < 0 {
		return &ValidationError{Field: "y", Value: r.Y, Reason: "must be >= 0"}
	}
	if r.Width <= 0 {
		return &ValidationError{Field: "width", Value: r.Width, Reason: "must be > 0"}
	}
	if r.Height <= 0 {
		return &ValidationError{Field: "height", Value: r.Height, Reason: "must be > 0"}
	}
	if r.X+r.Width > 1+tolerance {
		return &ValidationError{Field: "x+width", Value: r.X + r.Width, Reason: "must be <= 1"}
	}
	if r.Y+r.Height > 1+tolerance {
		return &ValidationError{Field: "y+height", Value: r.Y + r.Height, Reason: "must be <= 1"}
	}
	return nil
}

// IsEmpty reports whether the region has no area (the zero value)
func (r Region) IsEmpty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Area returns the normalized area (fraction of the frame)
func (r Region) Area() float64 {
	return r.Width * r.Height
}

// Contains reports whether a normalized point lies inside the region
func (r Region) Contains(x, y float64) bool {
	return x >= r.X && x <= r.X+r.Width && y >= r.Y && y <= r.Y+r.Height
}

// String renders the region for logs
func (r Region) String() string {
	return fmt.Sprintf("[x=%.3f y=%.3f w=%.3f h=%.3f]", r.X, r.Y, r.Width, r.Height)
}

// PixelRect is a rectangle in pixel coordinates
type PixelRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ToPixels converts the region to pixel coordinates for a given frame size.
// The result never extends past the frame.
func (r Region) ToPixels(frameWidth, frameHeight int) PixelRect {
	p := PixelRect{
		X:      int(r.X * float64(frameWidth)),
		Y:      int(r.Y * float64(frameHeight)),
		Width:  int(math.Round(r.Width * float64(frameWidth))),
		Height: int(math.Round(r.Height * float64(frameHeight))),
	}
	if p.X+p.Width > frameWidth {
		p.Width = frameWidth - p.X
	}
	if p.Y+p.Height > frameHeight {
		p.Height = frameHeight - p.Y
	}
	return p
}
