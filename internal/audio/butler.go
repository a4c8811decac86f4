package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrButlerStopped is returned by WaitUntilFinished once the butler exited.
var ErrButlerStopped = errors.New("butler stopped")

// Butler runs disk work off the caller's goroutine. Cleanup summons it
// and waits so no buffered write is lost before files are moved.
type Butler interface {
	Summon()
	WaitUntilFinished(ctx context.Context) error
}

// DiskButler runs a flush function whenever it is summoned. Summons that
// arrive while a pass is running are coalesced into one more pass.
type DiskButler struct {
	work func(context.Context) error
	wake chan struct{}
	done chan struct{}

	mu        sync.Mutex
	requested uint64
	completed uint64
	lastErr   error
	changed   chan struct{}
}

func NewDiskButler(work func(context.Context) error) *DiskButler {
	return &DiskButler{
		work:    work,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}
}

// Start runs the butler until ctx is cancelled.
func (b *DiskButler) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *DiskButler) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}

		b.mu.Lock()
		target := b.requested
		b.mu.Unlock()

		err := b.work(ctx)

		b.mu.Lock()
		b.completed = target
		b.lastErr = err
		close(b.changed)
		b.changed = make(chan struct{})
		b.mu.Unlock()
	}
}

func (b *DiskButler) Summon() {
	b.mu.Lock()
	b.requested++
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// WaitUntilFinished blocks until every pass requested before the call has
// completed and returns the error of the last pass.
func (b *DiskButler) WaitUntilFinished(ctx context.Context) error {
	b.mu.Lock()
	target := b.requested
	for b.completed < target {
		ch := b.changed
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrButlerStopped
		}
		b.mu.Lock()
	}
	err := b.lastErr
	b.mu.Unlock()
	return err
}
