package fence

import (
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Timeline hands out fences with monotonically increasing sequence numbers
// and signals them from a worker pool, so completion callbacks observe the
// same asynchronous context they would get from a device interrupt.
type Timeline struct {
	name string
	next atomic.Uint64
	pool *ants.Pool
}

// NewTimeline creates a timeline with its own signaling pool of the given
// size. Size <= 0 picks a small default.
func NewTimeline(name string, size int) (*Timeline, error) {
	if size <= 0 {
		size = 4
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	return &Timeline{name: name, pool: pool}, nil
}

// Name returns the timeline's context name.
func (t *Timeline) Name() string { return t.name }

// Fence returns a new unsignaled fence on this timeline.
func (t *Timeline) Fence() *Fence {
	return New(t.name, t.next.Add(1))
}

// Signal completes f asynchronously on the timeline's pool.
func (t *Timeline) Signal(f *Fence, err error) error {
	return t.pool.Submit(func() { f.Signal(err) })
}

// SignalAfter completes f asynchronously after the given delay. Used to model
// in-flight device work.
func (t *Timeline) SignalAfter(f *Fence, d time.Duration, err error) error {
	return t.pool.Submit(func() {
		time.Sleep(d)
		f.Signal(err)
	})
}

// Close releases the signaling pool. Fences already submitted still signal.
func (t *Timeline) Close() {
	t.pool.Release()
}
