package pipeline

import (
	"context"
	"sync"
)

// byteBudget bounds the total record bytes held by open and not-yet-finalized
// batches. Acquire suspends intake until a prior batch finalizes and frees
// capacity. A single acquisition larger than the whole budget is admitted
// when nothing else is held, so an oversized record cannot wedge the pipeline.
type byteBudget struct {
	capacity int64

	mu     sync.Mutex
	used   int64
	waitCh chan struct{}
}

func newByteBudget(capacity int64) *byteBudget {
	return &byteBudget{
		capacity: capacity,
		waitCh:   make(chan struct{}),
	}
}

func (b *byteBudget) Acquire(ctx context.Context, n int64) error {
	for {
		b.mu.Lock()
		if b.used+n <= b.capacity || b.used == 0 {
			b.used += n
			b.mu.Unlock()
			return nil
		}
		ch := b.waitCh
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (b *byteBudget) Release(n int64) {
	b.mu.Lock()
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
	close(b.waitCh)
	b.waitCh = make(chan struct{})
	b.mu.Unlock()
}

func (b *byteBudget) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
