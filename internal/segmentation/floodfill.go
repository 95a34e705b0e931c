package segmentation

import (
	"context"
	"fmt"
	"math"

	"github.com/example/segmask/internal/raster"
)

// DefaultTolerance is the RGB distance used when a FloodFill is built with tolerance <= 0.
const DefaultTolerance = 32

// FloodFill is a local point-promptable segmenter. It grows a region from the
// clicked pixel over 4-connected neighbours whose colour lies within
// Tolerance (euclidean RGB distance) of the seed colour.
type FloodFill struct {
	tolerance float64
	image     *raster.Buffer
}

// NewFloodFill builds a flood-fill backend.
func NewFloodFill(tolerance float64) *FloodFill {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &FloodFill{tolerance: tolerance}
}

// FloodFillProvider returns a Provider that creates independent FloodFill instances.
func FloodFillProvider(tolerance float64) Provider {
	return func(context.Context) (Backend, error) {
		return NewFloodFill(tolerance), nil
	}
}

// SetImage primes the backend. The buffer is read, never modified.
func (f *FloodFill) SetImage(_ context.Context, img *raster.Buffer) error {
	if err := img.Validate(); err != nil {
		return NewBackendError("set_image", nil, err)
	}
	if img.Channels < 3 {
		return NewBackendError("set_image", nil, fmt.Errorf("expected RGB image, got %d channels", img.Channels))
	}
	f.image = img
	return nil
}

// QueryPoint returns the region connected to p.
func (f *FloodFill) QueryPoint(_ context.Context, p Point) (*raster.Mask, error) {
	img := f.image
	if img == nil {
		return nil, NewBackendError("query_point", &p, ErrNotPrimed)
	}
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
		return nil, NewBackendError("query_point", &p, ErrOutOfBounds)
	}
	sx, sy := int(math.Floor(p.X)), int(math.Floor(p.Y))
	if sx < 0 || sy < 0 || sx >= img.Width || sy >= img.Height {
		return nil, NewBackendError("query_point", &p, ErrOutOfBounds)
	}

	seed := img.Offset(sx, sy)
	sr, sg, sb := float64(img.Pix[seed]), float64(img.Pix[seed+1]), float64(img.Pix[seed+2])
	limit := f.tolerance * f.tolerance

	mask := raster.MaskFor(img)
	queue := []int{sy*img.Width + sx}
	mask.Bits[queue[0]] = true
	for len(queue) > 0 {
		idx := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		x, y := idx%img.Width, idx/img.Width

		for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
			nx, ny := n[0], n[1]
			if nx < 0 || ny < 0 || nx >= img.Width || ny >= img.Height {
				continue
			}
			nidx := ny*img.Width + nx
			if mask.Bits[nidx] {
				continue
			}
			off := nidx * img.Channels
			dr := float64(img.Pix[off]) - sr
			dg := float64(img.Pix[off+1]) - sg
			db := float64(img.Pix[off+2]) - sb
			if dr*dr+dg*dg+db*db <= limit {
				mask.Bits[nidx] = true
				queue = append(queue, nidx)
			}
		}
	}
	return mask, nil
}
