package segmentation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/segmask/internal/raster"
)

// twoTone returns a 4x4 image whose left half is black and right half white.
func twoTone() *raster.Buffer {
	img := raster.NewBuffer(4, 4, 3)
	for y := 0; y < 4; y++ {
		for x := 2; x < 4; x++ {
			off := img.Offset(x, y)
			img.Pix[off], img.Pix[off+1], img.Pix[off+2] = 255, 255, 255
		}
	}
	return img
}

func TestFloodFillSelectsConnectedRegion(t *testing.T) {
	ff := NewFloodFill(10)
	if err := ff.SetImage(context.Background(), twoTone()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mask, err := ff.QueryPoint(context.Background(), Point{X: 3.7, Y: 0.2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mask.Width != 4 || mask.Height != 4 {
		t.Fatalf("unexpected mask shape %dx%d", mask.Width, mask.Height)
	}
	if mask.Area() != 8 {
		t.Fatalf("expected area 8, got %d", mask.Area())
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if mask.At(x, y) != (x >= 2) {
				t.Fatalf("unexpected selection at (%d,%d)", x, y)
			}
		}
	}
}

func TestFloodFillRequiresPrimedImage(t *testing.T) {
	_, err := NewFloodFill(0).QueryPoint(context.Background(), Point{})
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected BackendError, got %T", err)
	}
	if !errors.Is(err, ErrNotPrimed) {
		t.Fatalf("expected ErrNotPrimed, got %v", err)
	}
}

func TestFloodFillRejectsOutOfBoundsPoint(t *testing.T) {
	ff := NewFloodFill(0)
	if err := ff.SetImage(context.Background(), twoTone()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, p := range []Point{{X: -0.5, Y: 1}, {X: 4, Y: 0}, {X: 1, Y: 10}} {
		_, err := ff.QueryPoint(context.Background(), p)
		if !errors.Is(err, ErrOutOfBounds) {
			t.Fatalf("point %+v: expected ErrOutOfBounds, got %v", p, err)
		}
	}
}

func TestNewBackendErrorDoesNotDoubleWrap(t *testing.T) {
	inner := NewBackendError("query_point", &Point{X: 1, Y: 2}, errors.New("boom"))
	outer := NewBackendError("compose", nil, inner)
	if outer != inner {
		t.Fatalf("expected existing BackendError to be returned as-is")
	}
}

type countingBackend struct {
	closed int32
}

func (c *countingBackend) SetImage(context.Context, *raster.Buffer) error { return nil }
func (c *countingBackend) QueryPoint(context.Context, Point) (*raster.Mask, error) {
	return raster.NewMask(1, 1), nil
}
func (c *countingBackend) Close() error {
	atomic.AddInt32(&c.closed, 1)
	return nil
}

func TestPoolHandsOutExclusiveInstances(t *testing.T) {
	backends := []*countingBackend{{}, {}}
	next := 0
	provider := func(context.Context) (Backend, error) {
		b := backends[next]
		next++
		return b, nil
	}

	pool, err := NewPool(context.Background(), provider, 2, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatal("pool handed out the same backend twice")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while pool is drained, got %v", err)
	}

	pool.Release(first)
	again, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != first {
		t.Fatal("expected released backend to be reused")
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	for i, b := range backends {
		if atomic.LoadInt32(&b.closed) != 1 {
			t.Fatalf("backend %d was not closed", i)
		}
	}
	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestNewPoolPropagatesProviderError(t *testing.T) {
	provider := func(context.Context) (Backend, error) { return nil, errors.New("weights missing") }
	if _, err := NewPool(context.Background(), provider, 1, zap.NewNop()); err == nil {
		t.Fatal("expected error")
	}
}
