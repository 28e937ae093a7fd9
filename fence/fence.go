// Package fence provides the completion-signal primitive that buffers use for
// implicit and explicit synchronization. A fence starts unsignaled and
// transitions to signaled exactly once, optionally carrying an error from the
// work it represents. Completion callbacks may fire from an asynchronous
// context and must not block.
package fence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

// ErrAlreadySignaled is returned by AddCallback when the fence signaled
// before the callback could be registered. Callers are expected to run their
// completion path synchronously in that case.
var ErrAlreadySignaled = errors.New("fence: already signaled")

// Callback is a completion callback. It runs in the signaling context, which
// may be an asynchronous worker, so it must be O(1) and non-blocking.
type Callback func(*Fence)

// Fence is a one-shot completion signal identified by a timeline context name
// and a sequence number within it.
type Fence struct {
	ctx   string
	seqno uint64

	mu       sync.Mutex
	signaled atomic.Bool
	err      error
	done     chan struct{}
	cbs      *queue.Queue

	// Non-nil for fences produced by Merge; holds the constituent leaves
	// so importers can decompose a composite back into primitives.
	children []*Fence
}

// New creates an unsignaled fence on the named timeline context.
func New(ctx string, seqno uint64) *Fence {
	return &Fence{
		ctx:   ctx,
		seqno: seqno,
		done:  make(chan struct{}),
		cbs:   queue.New(4),
	}
}

// Context returns the timeline context name the fence belongs to.
func (f *Fence) Context() string { return f.ctx }

// SeqNo returns the fence's sequence number within its context.
func (f *Fence) SeqNo() uint64 { return f.seqno }

// Signaled reports whether the fence has completed.
func (f *Fence) Signaled() bool { return f.signaled.Load() }

// Err returns the completion error, or nil. Meaningful only after Signaled
// reports true.
func (f *Fence) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Done returns a channel closed when the fence signals.
func (f *Fence) Done() <-chan struct{} { return f.done }

// Signal completes the fence, recording err as the outcome of the work, and
// invokes every registered callback exactly once. Signaling an already
// signaled fence is a no-op.
func (f *Fence) Signal(err error) {
	f.mu.Lock()
	if f.signaled.Load() {
		f.mu.Unlock()
		return
	}
	f.err = err
	f.signaled.Store(true)
	close(f.done)
	f.mu.Unlock()

	// Registration is closed once signaled is set, so a single drain of the
	// current queue length observes every callback. Callbacks run outside
	// the fence lock.
	if n := f.cbs.Len(); n > 0 {
		items, derr := f.cbs.Get(n)
		if derr == nil {
			for _, it := range items {
				it.(Callback)(f)
			}
		}
	}
}

// AddCallback registers cb to run when the fence signals. If the fence has
// already signaled it returns ErrAlreadySignaled and cb will never run.
func (f *Fence) AddCallback(cb Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled.Load() {
		return ErrAlreadySignaled
	}
	return f.cbs.Put(cb)
}

// Wait blocks until the fence signals or ctx is canceled, in which case the
// context's error is returned and the caller should retry.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout is Wait bounded by d. A negative d waits without bound.
func (f *Fence) WaitTimeout(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return f.Wait(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return context.DeadlineExceeded
	}
}

func (f *Fence) String() string {
	state := "active"
	if f.Signaled() {
		state = "signaled"
	}
	return fmt.Sprintf("%s:%d %s", f.ctx, f.seqno, state)
}

var (
	stubOnce  sync.Once
	stubFence *Fence
)

// Stub returns the shared, always-signaled fence. It stands in for "no
// pending work" when a caller needs a representable fence.
func Stub() *Fence {
	stubOnce.Do(func() {
		stubFence = New("stub", 0)
		stubFence.Signal(nil)
	})
	return stubFence
}

// Merge collapses fences into a single fence that signals once every input
// has signaled. The first non-nil completion error wins. The result can be
// decomposed again with Unwrap. Merging zero fences yields the stub.
func Merge(fences ...*Fence) *Fence {
	leaves := make([]*Fence, 0, len(fences))
	for _, f := range fences {
		if f == nil {
			continue
		}
		leaves = append(leaves, Unwrap(f)...)
	}
	if len(leaves) == 0 {
		return Stub()
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	m := New("merged", 0)
	m.children = leaves

	var (
		pending  atomic.Int64
		errMu    sync.Mutex
		firstErr error
	)
	pending.Store(int64(len(leaves)))
	complete := func(leaf *Fence) {
		if err := leaf.Err(); err != nil {
			errMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			errMu.Unlock()
		}
		if pending.Add(-1) == 0 {
			errMu.Lock()
			err := firstErr
			errMu.Unlock()
			m.Signal(err)
		}
	}
	for _, leaf := range leaves {
		if aerr := leaf.AddCallback(complete); aerr != nil {
			complete(leaf)
		}
	}
	return m
}

// Unwrap decomposes f into its constituent primitive fences. A merged fence
// yields its leaves; a plain fence yields itself.
func Unwrap(f *Fence) []*Fence {
	if f == nil {
		return nil
	}
	if f.children == nil {
		return []*Fence{f}
	}
	out := make([]*Fence, 0, len(f.children))
	for _, c := range f.children {
		out = append(out, Unwrap(c)...)
	}
	return out
}
