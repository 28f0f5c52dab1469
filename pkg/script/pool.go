package script

import (
	"context"
	"sync"
	"time"
)

// Pool keeps between minSize and maxSize reusable runners such as script VMs.
// Idle runners above minSize are dropped by a periodic cleanup.
type Pool[R any] struct {
	idle    chan R
	newFn   func() R
	mu      sync.Mutex
	active  int
	maxSize int
	minSize int
}

const cleanupInterval = 10 * time.Minute

// NewPool creates minSize runners upfront. The cleanup goroutine stops with ctx.
func NewPool[R any](ctx context.Context, newFn func() R, maxSize int, minSize int) *Pool[R] {
	if maxSize < minSize {
		panic("pool max size is smaller than pool min size")
	}
	if maxSize < 1 {
		maxSize = 1
	}
	p := &Pool[R]{
		idle:    make(chan R, maxSize),
		newFn:   newFn,
		maxSize: maxSize,
		minSize: minSize,
	}
	for range minSize {
		p.idle <- newFn()
		p.active++
	}

	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.shrink()
			case <-ctx.Done():
				return
			}
		}
	}()
	return p
}

func (p *Pool[R]) shrink() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.active > p.minSize {
		select {
		case <-p.idle:
			p.active--
		default:
			return
		}
	}
}

// Active returns the number of runners created by the pool and not dropped yet
func (p *Pool[R]) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Acquire returns an idle runner, creates one while the pool is below its max size
// or waits until a runner is released or ctx is done.
func (p *Pool[R]) Acquire(ctx context.Context) (R, error) {
	select {
	case r := <-p.idle:
		return r, nil
	default:
	}

	p.mu.Lock()
	if p.active < p.maxSize {
		p.active++
		p.mu.Unlock()
		return p.newFn(), nil
	}
	p.mu.Unlock()

	select {
	case r := <-p.idle:
		return r, nil
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Release hands a runner back. Runners that do not fit are dropped.
func (p *Pool[R]) Release(r R) {
	select {
	case p.idle <- r:
	default:
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
}
