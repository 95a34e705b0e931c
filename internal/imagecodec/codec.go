// Package imagecodec converts between compressed image containers and raster buffers.
// Decoded buffers are always 3-channel RGB with a top-left origin; encoded output is PNG.
package imagecodec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"sync"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/example/segmask/internal/raster"
)

// ContentType is the MIME type of everything Encode produces.
const ContentType = "image/png"

// DefaultMaxPixels caps width*height for Decode.
const DefaultMaxPixels = 40_000_000

var (
	errEmptyInput = errors.New("empty input")
	// ErrTooManyPixels is wrapped in a DecodeError when declared dimensions exceed the limit.
	ErrTooManyPixels = errors.New("image exceeds pixel limit")
)

// Decode reads any registered container (PNG, JPEG, GIF, WebP, BMP) into an RGB buffer.
// JPEG EXIF orientation is applied so pixel coordinates match what a browser
// displays. Alpha, if present in the source, is dropped. Images larger than
// DefaultMaxPixels are rejected.
func Decode(data []byte) (*raster.Buffer, error) {
	return DecodeLimit(data, DefaultMaxPixels)
}

// DecodeLimit is Decode with an explicit pixel cap, checked against the
// header before any pixel data is allocated. maxPixels <= 0 disables the cap.
func DecodeLimit(data []byte, maxPixels int) (*raster.Buffer, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errEmptyInput}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels)}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, &DecodeError{Err: fmt.Errorf("image has no pixels (%dx%d)", bounds.Dx(), bounds.Dy())}
	}
	return toRGB(img), nil
}

func toRGB(img image.Image) *raster.Buffer {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	nrgba, ok := img.(*image.NRGBA)
	if !ok || nrgba.Rect.Min != (image.Point{}) {
		nrgba = imaging.Clone(img)
	}

	out := raster.NewBuffer(w, h, 3)
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		dst := out.Pix[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			dst[x*3] = row[x*4]
			dst[x*3+1] = row[x*4+1]
			dst[x*3+2] = row[x*4+2]
		}
	}
	return out
}

var encoder = png.Encoder{
	CompressionLevel: png.DefaultCompression,
	BufferPool:       (*bufferPool)(&sync.Pool{New: func() any { return &png.EncoderBuffer{} }}),
}

// Encode writes a 1, 3 or 4 channel buffer as a lossless PNG.
func Encode(buf *raster.Buffer) ([]byte, error) {
	if buf == nil {
		return nil, &EncodeError{Err: errors.New("nil buffer")}
	}
	img, err := toImage(buf)
	if err != nil {
		return nil, &EncodeError{Channels: buf.Channels, Err: err}
	}
	var out bytes.Buffer
	if err := encoder.Encode(&out, img); err != nil {
		return nil, &EncodeError{Channels: buf.Channels, Err: err}
	}
	return out.Bytes(), nil
}

// EncodeMask widens a mask to 0/255 samples and writes it as a grayscale PNG.
func EncodeMask(m *raster.Mask) ([]byte, error) {
	if m == nil {
		return nil, &EncodeError{Channels: 1, Err: errors.New("nil mask")}
	}
	gray := raster.NewBuffer(m.Width, m.Height, 1)
	for i, bit := range m.Bits {
		if bit {
			gray.Pix[i] = 255
		}
	}
	return Encode(gray)
}

// DecodeMask reads a grayscale image back into a mask; samples >= 128 are selected.
func DecodeMask(data []byte) (*raster.Mask, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errEmptyInput}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	bounds := img.Bounds()
	gray, ok := img.(*image.Gray)
	if !ok || gray.Rect.Min != (image.Point{}) {
		gray = image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(gray, gray.Rect, img, bounds.Min, draw.Src)
	}
	m := raster.NewMask(bounds.Dx(), bounds.Dy())
	for y := 0; y < m.Height; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+m.Width]
		for x, v := range row {
			m.Bits[y*m.Width+x] = v >= 128
		}
	}
	return m, nil
}

func toImage(buf *raster.Buffer) (image.Image, error) {
	switch buf.Channels {
	case 1, 3, 4:
	default:
		return nil, fmt.Errorf("unsupported channel count %d", buf.Channels)
	}
	if err := buf.Validate(); err != nil {
		return nil, err
	}

	rect := image.Rect(0, 0, buf.Width, buf.Height)
	switch buf.Channels {
	case 1:
		img := image.NewGray(rect)
		copy(img.Pix, buf.Pix)
		return img, nil
	case 3:
		// An opaque NRGBA is written by the png encoder as truecolor without alpha.
		img := image.NewNRGBA(rect)
		for i, j := 0, 0; i < len(buf.Pix); i, j = i+3, j+4 {
			img.Pix[j] = buf.Pix[i]
			img.Pix[j+1] = buf.Pix[i+1]
			img.Pix[j+2] = buf.Pix[i+2]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	default:
		img := image.NewNRGBA(rect)
		copy(img.Pix, buf.Pix)
		return translucent{img}, nil
	}
}

// translucent keeps the png encoder on color type 6 even when every alpha is 255.
type translucent struct {
	*image.NRGBA
}

func (translucent) Opaque() bool { return false }

type bufferPool sync.Pool

var _ png.EncoderBufferPool = (*bufferPool)(nil)

func (bp *bufferPool) Get() *png.EncoderBuffer {
	return (*sync.Pool)(bp).Get().(*png.EncoderBuffer)
}

func (bp *bufferPool) Put(eb *png.EncoderBuffer) {
	(*sync.Pool)(bp).Put(eb)
}
