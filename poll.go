package dmabuf

import (
	"github.com/behrlich/go-dmabuf/fence"
	"github.com/behrlich/go-dmabuf/resv"
)

// Events is a bitmask of buffer readiness conditions, mirroring the poll
// event bits a descriptor-based surface would report.
type Events uint32

const (
	// EventIn means the buffer is readable: no device writes are pending.
	EventIn Events = 0x0001
	// EventOut means the buffer is writable: no device access of any kind
	// is pending.
	EventOut Events = 0x0004
)

// pollSlot is one of the two per-buffer completion slots bridging fence
// signaling to poll wakeups. A slot is armed by Poll and stays busy until
// the fence it registered on signals; while busy it holds one buffer
// reference.
type pollSlot struct {
	active bool
	events Events
}

// Poll performs a level-triggered readiness query and returns the subset of
// events that are ready now. For each requested event that is not ready, a
// completion slot is armed (if free) so WaitChannel's channel closes when
// the blocking work finishes. Callable without the reservation lock.
//
// Readable waits only on device writes; writable waits on all device access.
// A slot that is already armed from an earlier query reports not-ready
// without re-arming.
func (b *Buffer) Poll(events Events) Events {
	if events&(EventIn|EventOut) == 0 {
		return 0
	}

	b.rsv.Lock()
	defer b.rsv.Unlock()

	var ready Events
	if events&EventOut != 0 && b.pollArm(&b.cbOut, EventOut, resv.UsageRead) {
		ready |= EventOut
	}
	if events&EventIn != 0 && b.pollArm(&b.cbIn, EventIn, resv.UsageWrite) {
		ready |= EventIn
	}
	return ready
}

// pollArm claims the slot and registers a completion callback on the first
// pending fence matching usage. It reports true when the event is ready
// immediately, i.e. no fence is pending. The reservation lock must be held
// so the fence set cannot grow between the snapshot and the registration.
func (b *Buffer) pollArm(slot *pollSlot, ev Events, usage resv.Usage) bool {
	b.pollMu.Lock()
	if slot.active {
		// Still waiting on an earlier registration.
		b.pollMu.Unlock()
		return false
	}
	slot.active = true
	slot.events = ev
	b.pollMu.Unlock()

	// The slot keeps the buffer alive until its callback fires.
	b.Get()

	for _, f := range b.rsv.Fences(usage) {
		if err := f.AddCallback(func(*fence.Fence) { b.pollFire(slot) }); err == nil {
			return false
		}
		// Already signaled; try the next fence.
	}

	// Nothing pending: complete the slot synchronously.
	b.pollFire(slot)
	return true
}

// pollFire releases a completion slot and wakes every waiter. It runs either
// synchronously from Poll or from a fence's signaling context, so it must
// not block and must not take the reservation lock.
func (b *Buffer) pollFire(slot *pollSlot) {
	b.pollMu.Lock()
	slot.active = false
	slot.events = 0
	close(b.waitCh)
	b.waitCh = make(chan struct{})
	b.pollMu.Unlock()

	b.Put()
}

// WaitChannel returns a channel closed on the next poll wakeup. Callers
// obtain the channel, re-check readiness with Poll, and block on the channel
// only if still not ready; the channel is replaced after every wakeup, so it
// must be re-fetched each round.
func (b *Buffer) WaitChannel() <-chan struct{} {
	b.pollMu.Lock()
	defer b.pollMu.Unlock()
	return b.waitCh
}
