// Package resv implements the reservation object every buffer owns: a
// mutual-exclusion lock plus the set of fences tracking pending device work
// on the buffer, tagged by usage. The lock may be held across blocking waits;
// the fence set itself is guarded by a short-held internal lock so readers
// (pollers, waiters) can snapshot it whether or not they hold the big lock.
package resv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/behrlich/go-dmabuf/fence"
)

// Usage tags a fence with the kind of access it orders. Usages form a
// hierarchy: requesting fences for some usage also yields every fence with a
// lower usage, so asking for UsageRead covers kernel, write, and read fences.
type Usage int

const (
	// UsageKernel orders work the framework itself issued, e.g. clears or
	// migrations. Must complete before any other access.
	UsageKernel Usage = iota
	// UsageWrite orders device writes to the buffer.
	UsageWrite
	// UsageRead orders device reads from the buffer.
	UsageRead
	// UsageBookkeep tracks work that no accessor needs to wait for.
	UsageBookkeep
)

func (u Usage) String() string {
	switch u {
	case UsageKernel:
		return "kernel"
	case UsageWrite:
		return "write"
	case UsageRead:
		return "read"
	case UsageBookkeep:
		return "bookkeep"
	default:
		return "unknown"
	}
}

// UsageRW returns the usage to wait on before the given CPU access: write
// access must order after all reads and writes, read access only after
// writes.
func UsageRW(write bool) Usage {
	if write {
		return UsageRead
	}
	return UsageWrite
}

// ErrNoSlots is returned by Reserve when the reservation cannot hold the
// requested number of additional fences.
var ErrNoSlots = errors.New("resv: fence slots exhausted")

// maxFences bounds the fence set; importing a composite larger than this
// fails with ErrNoSlots.
const maxFences = 1024

type entry struct {
	f     *fence.Fence
	usage Usage
}

// Object is a reservation object.
type Object struct {
	mu   sync.Mutex
	held atomic.Bool

	flk      sync.Mutex
	fences   []entry
	reserved int
}

// New allocates a reservation object with no pending fences.
func New() *Object {
	return &Object{}
}

// Lock acquires the reservation lock. Callers may hold it across blocking
// waits.
func (o *Object) Lock() {
	o.mu.Lock()
	o.held.Store(true)
}

// TryLock attempts to acquire the reservation lock without blocking.
func (o *Object) TryLock() bool {
	if !o.mu.TryLock() {
		return false
	}
	o.held.Store(true)
	return true
}

// Unlock releases the reservation lock.
func (o *Object) Unlock() {
	o.held.Store(false)
	o.mu.Unlock()
}

// AssertHeld panics unless the reservation lock is held. Operations in the
// locked group call this first; violating the locking convention is a caller
// bug, not a recoverable condition.
func (o *Object) AssertHeld() {
	if !o.held.Load() {
		panic("resv: reservation lock not held")
	}
}

// Reserve makes room for n additional fences. Requires the lock held. Fails
// with ErrNoSlots when the set would exceed its capacity.
func (o *Object) Reserve(n int) error {
	o.AssertHeld()
	o.flk.Lock()
	defer o.flk.Unlock()
	if len(o.fences)+o.reserved+n > maxFences {
		return ErrNoSlots
	}
	o.reserved += n
	return nil
}

// AddFence records f with the given usage. Requires the lock held. Signaled
// fences already in the set are pruned on the way, keeping the set bounded by
// live work.
func (o *Object) AddFence(f *fence.Fence, usage Usage) {
	o.AssertHeld()
	if f == nil {
		return
	}
	o.flk.Lock()
	defer o.flk.Unlock()
	kept := o.fences[:0]
	for _, e := range o.fences {
		if !e.f.Signaled() {
			kept = append(kept, e)
		}
	}
	o.fences = append(kept, entry{f: f, usage: usage})
	if o.reserved > 0 {
		o.reserved--
	}
}

// Fences returns a snapshot of the fences matching usage (the requested
// usage and every lower one), in the order they were added.
func (o *Object) Fences(usage Usage) []*fence.Fence {
	o.flk.Lock()
	defer o.flk.Unlock()
	var out []*fence.Fence
	for _, e := range o.fences {
		if e.usage <= usage {
			out = append(out, e.f)
		}
	}
	return out
}

// GetSingleton collapses all unsignaled fences matching usage into a single
// fence, or returns nil when no pending work matches. Requires the lock held
// so the set cannot change while it is being collapsed.
func (o *Object) GetSingleton(usage Usage) *fence.Fence {
	o.AssertHeld()
	var pending []*fence.Fence
	for _, f := range o.Fences(usage) {
		if !f.Signaled() {
			pending = append(pending, f)
		}
	}
	switch len(pending) {
	case 0:
		return nil
	case 1:
		return pending[0]
	default:
		return fence.Merge(pending...)
	}
}

// Wait blocks until every fence matching usage has signaled or ctx is
// canceled. The wait is unbounded; a fence that never signals is a bug in its
// owner. Callable with or without the reservation lock held.
func (o *Object) Wait(ctx context.Context, usage Usage) error {
	for _, f := range o.Fences(usage) {
		if err := f.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// A fence that signaled with an error still completed; the
			// error belongs to the work, not to the wait.
		}
	}
	return nil
}

// TestSignaled reports whether every fence matching usage has signaled.
func (o *Object) TestSignaled(usage Usage) bool {
	for _, f := range o.Fences(usage) {
		if !f.Signaled() {
			return false
		}
	}
	return true
}

// Describe writes a human-readable summary of the fence set, one line per
// fence, for diagnostic reports.
func (o *Object) Describe(w io.Writer) {
	o.flk.Lock()
	snapshot := make([]entry, len(o.fences))
	copy(snapshot, o.fences)
	o.flk.Unlock()

	for _, e := range snapshot {
		fmt.Fprintf(w, "\t%s fence: %s\n", e.usage, e.f)
	}
}
