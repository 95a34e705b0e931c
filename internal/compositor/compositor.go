// Package compositor turns a list of clicks into one combined selection.
package compositor

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/segmask/internal/raster"
	"github.com/example/segmask/internal/segmentation"
)

// Compositor queries a backend once per point and unions the retained masks.
type Compositor struct {
	logger *zap.Logger
}

// New constructs a Compositor.
func New(logger *zap.Logger) *Compositor {
	return &Compositor{logger: logger.Named("compositor")}
}

// Compose primes backend with img once, then queries every point in order.
// Masks with fewer than minArea pixels are discarded when minArea > 0; the
// rest are ORed together. Each point is its own prompt so separate clicks can
// select disjoint objects. The first backend failure aborts the whole call.
func (c *Compositor) Compose(ctx context.Context, backend segmentation.Backend, img *raster.Buffer, points []segmentation.Point, minArea int) (*raster.Mask, error) {
	if err := backend.SetImage(ctx, img); err != nil {
		return nil, segmentation.NewBackendError("set_image", nil, err)
	}

	combined := raster.MaskFor(img)
	for i := range points {
		p := points[i]
		mask, err := backend.QueryPoint(ctx, p)
		if err != nil {
			return nil, segmentation.NewBackendError("query_point", &p, err)
		}
		if !mask.SameShape(img.Width, img.Height) {
			return nil, segmentation.NewBackendError("query_point", &p, raster.ErrShapeMismatch)
		}

		area := mask.Area()
		if minArea > 0 && area < minArea {
			c.logger.Debug("mask below minimum area discarded",
				zap.Int("point_index", i),
				zap.Int("area", area),
				zap.Int("min_area", minArea))
			continue
		}

		if err := combined.Union(mask); err != nil {
			return nil, segmentation.NewBackendError("query_point", &p, err)
		}
	}
	return combined, nil
}
