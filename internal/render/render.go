// Package render produces the selection visualization and the standalone mask image.
package render

import (
	"fmt"

	"github.com/example/segmask/internal/raster"
)

const (
	// SelectedAlpha is the opacity of selected pixels.
	SelectedAlpha uint8 = 255
	// BackgroundAlpha is floor(255 * 0.2), the opacity of unselected pixels.
	BackgroundAlpha uint8 = 51
)

// Visualization copies the RGB channels of img into a new RGBA buffer whose
// alpha is SelectedAlpha where mask is set and BackgroundAlpha elsewhere.
func Visualization(img *raster.Buffer, mask *raster.Mask) (*raster.Buffer, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if img.Channels != 3 {
		return nil, fmt.Errorf("visualization needs an RGB image, got %d channels", img.Channels)
	}
	if !mask.SameShape(img.Width, img.Height) {
		return nil, fmt.Errorf("%w: image %dx%d", raster.ErrShapeMismatch, img.Width, img.Height)
	}

	out := raster.NewBuffer(img.Width, img.Height, 4)
	for i, selected := range mask.Bits {
		src, dst := i*3, i*4
		out.Pix[dst] = img.Pix[src]
		out.Pix[dst+1] = img.Pix[src+1]
		out.Pix[dst+2] = img.Pix[src+2]
		if selected {
			out.Pix[dst+3] = SelectedAlpha
		} else {
			out.Pix[dst+3] = BackgroundAlpha
		}
	}
	return out, nil
}

// MaskImage widens mask into a single-channel 0/255 buffer.
func MaskImage(mask *raster.Mask) *raster.Buffer {
	out := raster.NewBuffer(mask.Width, mask.Height, 1)
	for i, selected := range mask.Bits {
		if selected {
			out.Pix[i] = 255
		}
	}
	return out
}
