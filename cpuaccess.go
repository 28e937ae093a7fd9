package dmabuf

import (
	"context"

	"github.com/behrlich/go-dmabuf/resv"
)

// BeginCPUAccess prepares the buffer for CPU reads or writes through a
// virtual mapping. It may block: after the exporter's optional begin hook
// runs, the call waits for every reservation fence the access direction must
// order after. CPU reads wait only for device writes; CPU writes and
// bidirectional access wait for all device access.
//
// Called without the reservation lock. The wait runs even when the exporter
// hook performed its own, since re-waiting on signaled fences costs nothing.
// Canceling ctx returns ErrInterrupted and the caller should retry.
//
// Every CPU access of mapped memory must be bracketed by BeginCPUAccess and
// EndCPUAccess; skipping the bracket yields undefined coherency.
func (b *Buffer) BeginCPUAccess(ctx context.Context, dir Direction) error {
	if !dir.valid() || dir == DirNone {
		return NewBufferError("begin_cpu_access", b.Name(), ErrInvalidArgument, "bad access direction")
	}

	var hookErr error
	if ce, ok := b.ops.(CPUAccessExporter); ok {
		hookErr = ce.BeginCPUAccess(ctx, b, dir)
	}

	if err := b.rsv.Wait(ctx, resv.UsageRW(dir.writes())); err != nil {
		return NewBufferError("begin_cpu_access", b.Name(), ErrInterrupted, "fence wait interrupted")
	}

	if hookErr != nil {
		return WrapError("begin_cpu_access", hookErr)
	}
	frameworkMetrics.CPUAccessBegins.Add(1)
	return nil
}

// EndCPUAccess completes a CPU access bracket opened with BeginCPUAccess,
// running the exporter's optional end hook. There is no implicit wait;
// coherency work, if any, is the exporter's.
//
// Called without the reservation lock.
func (b *Buffer) EndCPUAccess(dir Direction) error {
	if !dir.valid() || dir == DirNone {
		return NewBufferError("end_cpu_access", b.Name(), ErrInvalidArgument, "bad access direction")
	}

	if ce, ok := b.ops.(CPUAccessExporter); ok {
		if err := ce.EndCPUAccess(b, dir); err != nil {
			return WrapError("end_cpu_access", err)
		}
	}
	frameworkMetrics.CPUAccessEnds.Add(1)
	return nil
}
