// Package pipeline runs one selection request end to end:
// decode, compose, render and encode.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/segmask/internal/compositor"
	"github.com/example/segmask/internal/imagecodec"
	"github.com/example/segmask/internal/raster"
	"github.com/example/segmask/internal/render"
	"github.com/example/segmask/internal/segmentation"
)

// Result holds the two encoded outputs of a request.
type Result struct {
	ResultImage  []byte
	MaskImage    []byte
	Width        int
	Height       int
	SelectedArea int
	// Degenerate is set when no pixel was selected and ResultImage is the original image.
	Degenerate bool
}

// Processor sequences the codec, compositor and renderer.
type Processor struct {
	compositor *compositor.Compositor
	logger     *zap.Logger
	maxPixels  int
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *zap.Logger) *Processor {
	return &Processor{
		compositor: compositor.New(logger),
		logger:     logger.Named("pipeline"),
		maxPixels:  imagecodec.DefaultMaxPixels,
	}
}

// WithMaxPixels sets the decoded image size cap; n <= 0 keeps the default.
func (p *Processor) WithMaxPixels(n int) *Processor {
	if n > 0 {
		p.maxPixels = n
	}
	return p
}

// Process decodes imageBytes, selects the regions under points with backend
// and returns the encoded visualization and mask. backend must be held
// exclusively by the caller for the duration of the call. Any failure aborts
// the request; no partial output is returned.
func (p *Processor) Process(ctx context.Context, backend segmentation.Backend, imageBytes []byte, points []segmentation.Point, minArea int) (*Result, error) {
	img, err := imagecodec.DecodeLimit(imageBytes, p.maxPixels)
	if err != nil {
		return nil, err
	}

	mask, err := p.compositor.Compose(ctx, backend, img, points, minArea)
	if err != nil {
		return nil, err
	}

	var visualization, maskImage *raster.Buffer
	degenerate := !mask.Any()
	if degenerate {
		p.logger.Info("every click was excluded, returning original image",
			zap.Int("points", len(points)),
			zap.Int("min_area", minArea))
		visualization = img
		maskImage = raster.NewBuffer(img.Width, img.Height, 1)
	} else {
		visualization, err = render.Visualization(img, mask)
		if err != nil {
			return nil, fmt.Errorf("render visualization: %w", err)
		}
		maskImage = render.MaskImage(mask)
	}

	resultBytes, err := imagecodec.Encode(visualization)
	if err != nil {
		return nil, err
	}
	maskBytes, err := imagecodec.Encode(maskImage)
	if err != nil {
		return nil, err
	}

	return &Result{
		ResultImage:  resultBytes,
		MaskImage:    maskBytes,
		Width:        img.Width,
		Height:       img.Height,
		SelectedArea: mask.Area(),
		Degenerate:   degenerate,
	}, nil
}
