// Package segmentation defines the contract for point-promptable segmentation backends.
package segmentation

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/segmask/internal/raster"
)

// Point is a click location in image space: top-left origin, x to the right, y downward.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Backend wraps a point-promptable segmenter.
//
// SetImage primes the backend with the image to segment and must be called
// before QueryPoint. QueryPoint treats the point as a single foreground prompt
// and returns exactly one mask shaped like the primed image. A Backend is not
// safe for concurrent use; callers own one instance per request (see Pool).
type Backend interface {
	SetImage(ctx context.Context, img *raster.Buffer) error
	QueryPoint(ctx context.Context, p Point) (*raster.Mask, error)
}

// Provider returns an initialized backend. Model loading and placement belong to the provider.
type Provider func(ctx context.Context) (Backend, error)

var (
	// ErrNotPrimed is returned when QueryPoint runs before SetImage.
	ErrNotPrimed = errors.New("no image primed")
	// ErrOutOfBounds is returned when a point falls outside the primed image.
	ErrOutOfBounds = errors.New("point outside image")
)

// BackendError reports a failure surfaced by a segmentation backend.
type BackendError struct {
	Op    string
	Point *Point
	Err   error
}

func (e *BackendError) Error() string {
	if e.Point != nil {
		return fmt.Sprintf("segmentation %s at (%g, %g): %v", e.Op, e.Point.X, e.Point.Y, e.Err)
	}
	return fmt.Sprintf("segmentation %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError wraps err unless it already is a BackendError.
func NewBackendError(op string, p *Point, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	if p != nil {
		pt := *p
		p = &pt
	}
	return &BackendError{Op: op, Point: p, Err: err}
}
