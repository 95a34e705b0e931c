package raster

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when two rasters that must share dimensions do not.
var ErrShapeMismatch = errors.New("raster shape mismatch")

// Buffer is a dense row-major pixel buffer with interleaved 8-bit samples.
// Channels is 1 (gray/mask), 3 (RGB) or 4 (RGBA).
type Buffer struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// NewBuffer allocates a zeroed buffer.
func NewBuffer(width, height, channels int) *Buffer {
	return &Buffer{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]uint8, width*height*channels),
	}
}

// Offset returns the index of the first sample of pixel (x, y).
func (b *Buffer) Offset(x, y int) int {
	return (y*b.Width + x) * b.Channels
}

// Clone returns a deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	out := &Buffer{Width: b.Width, Height: b.Height, Channels: b.Channels, Pix: make([]uint8, len(b.Pix))}
	copy(out.Pix, b.Pix)
	return out
}

// Validate reports whether Pix matches the declared dimensions.
func (b *Buffer) Validate() error {
	if b == nil {
		return errors.New("nil buffer")
	}
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", b.Width, b.Height)
	}
	if want := b.Width * b.Height * b.Channels; len(b.Pix) != want {
		return fmt.Errorf("pixel data length %d does not match %dx%dx%d", len(b.Pix), b.Width, b.Height, b.Channels)
	}
	return nil
}

// Mask is a boolean per-pixel selection with the same row-major layout as Buffer.
type Mask struct {
	Width  int
	Height int
	Bits   []bool
}

// NewMask allocates an all-false mask.
func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Bits: make([]bool, width*height)}
}

// MaskFor allocates an all-false mask shaped like b.
func MaskFor(b *Buffer) *Mask {
	return NewMask(b.Width, b.Height)
}

// At reports whether pixel (x, y) is selected.
func (m *Mask) At(x, y int) bool {
	return m.Bits[y*m.Width+x]
}

// Set marks pixel (x, y).
func (m *Mask) Set(x, y int, v bool) {
	m.Bits[y*m.Width+x] = v
}

// Area counts the selected pixels. It is recomputed on every call.
func (m *Mask) Area() int {
	n := 0
	for _, bit := range m.Bits {
		if bit {
			n++
		}
	}
	return n
}

// Any reports whether at least one pixel is selected.
func (m *Mask) Any() bool {
	for _, bit := range m.Bits {
		if bit {
			return true
		}
	}
	return false
}

// SameShape reports whether m covers exactly width x height pixels.
func (m *Mask) SameShape(width, height int) bool {
	return m != nil && m.Width == width && m.Height == height && len(m.Bits) == width*height
}

// Union ORs other into m in place.
func (m *Mask) Union(other *Mask) error {
	if !other.SameShape(m.Width, m.Height) {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrShapeMismatch, m.Width, m.Height, other.Width, other.Height)
	}
	for i, bit := range other.Bits {
		if bit {
			m.Bits[i] = true
		}
	}
	return nil
}

// Equal reports whether two masks have the same shape and bits.
func (m *Mask) Equal(other *Mask) bool {
	if !other.SameShape(m.Width, m.Height) {
		return false
	}
	for i := range m.Bits {
		if m.Bits[i] != other.Bits[i] {
			return false
		}
	}
	return true
}
