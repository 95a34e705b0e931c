package segmentation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("backend pool closed")

// Pool hands out exclusive backend instances. Priming and querying one
// instance happen under a single Acquire/Release pair, so concurrent
// requests never share a primed image.
type Pool struct {
	slots    chan Backend
	all      []Backend
	logger   *zap.Logger
	closeMu  sync.RWMutex
	closed   bool
	closeErr error
}

// NewPool creates size backends from provider up front.
func NewPool(ctx context.Context, provider Provider, size int, logger *zap.Logger) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		slots:  make(chan Backend, size),
		all:    make([]Backend, 0, size),
		logger: logger.Named("backend_pool"),
	}
	for i := 0; i < size; i++ {
		b, err := provider(ctx)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("init backend %d/%d: %w", i+1, size, err)
		}
		p.all = append(p.all, b)
		p.slots <- b
	}
	p.logger.Info("backend pool ready", zap.Int("size", size))
	return p, nil
}

// Size returns the number of backend instances owned by the pool.
func (p *Pool) Size() int { return len(p.all) }

// Acquire waits for a free backend or for ctx to end.
func (p *Pool) Acquire(ctx context.Context) (Backend, error) {
	p.closeMu.RLock()
	closed := p.closed
	p.closeMu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case b := <-p.slots:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a backend obtained from Acquire.
func (p *Pool) Release(b Backend) {
	if b == nil {
		return
	}
	select {
	case p.slots <- b:
	default:
		p.logger.Warn("released backend that does not belong to the pool")
	}
}

// Do runs fn with an exclusively held backend.
func (p *Pool) Do(ctx context.Context, fn func(Backend) error) error {
	b, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(b)
	return fn(b)
}

// Close releases backends that implement io.Closer.
func (p *Pool) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return p.closeErr
	}
	p.closed = true

	var errs []error
	for _, b := range p.all {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	p.closeErr = errors.Join(errs...)
	return p.closeErr
}
