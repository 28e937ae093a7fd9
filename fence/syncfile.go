package fence

import (
	"context"
	"fmt"
)

// SyncFile wraps a single fence as an externally shareable handle. It is the
// explicit-synchronization counterpart to the implicit fences a buffer's
// reservation tracks: one side exports its pending work as a SyncFile, the
// other imports it and records the constituent fences.
type SyncFile struct {
	fence *Fence
}

// NewSyncFile wraps f. The wrapper holds the only reference the creator keeps.
func NewSyncFile(f *Fence) *SyncFile {
	if f == nil {
		f = Stub()
	}
	return &SyncFile{fence: f}
}

// Fence returns the wrapped fence, which may be a composite.
func (s *SyncFile) Fence() *Fence { return s.fence }

// Status reports the sync-file state: 0 while the fence is active, 1 once
// signaled successfully, and a negative value when it signaled with an error.
func (s *SyncFile) Status() int {
	if !s.fence.Signaled() {
		return 0
	}
	if s.fence.Err() != nil {
		return -1
	}
	return 1
}

// Wait blocks until the wrapped fence signals or ctx is canceled.
func (s *SyncFile) Wait(ctx context.Context) error {
	return s.fence.Wait(ctx)
}

func (s *SyncFile) String() string {
	return fmt.Sprintf("sync-file(%s)", s.fence)
}
