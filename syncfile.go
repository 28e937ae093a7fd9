package dmabuf

import (
	"github.com/behrlich/go-dmabuf/fence"
	"github.com/behrlich/go-dmabuf/resv"
)

// ExportSyncFile collapses all pending fences matching usage into a single
// externally shareable fence handle. With no pending work the handle wraps
// the always-signaled stub, so the result is immediately waitable either
// way.
func (b *Buffer) ExportSyncFile(usage resv.Usage) (*fence.SyncFile, error) {
	b.rsv.Lock()
	f := b.rsv.GetSingleton(usage)
	b.rsv.Unlock()

	frameworkMetrics.FenceExports.Add(1)
	return fence.NewSyncFile(f), nil
}

// ImportSyncFile records an externally supplied fence handle against the
// buffer's reservation with the given usage tag. A composite fence is
// decomposed into its primitive fences and each is recorded individually,
// so importers of the reservation see through the composition.
func (b *Buffer) ImportSyncFile(usage resv.Usage, sf *fence.SyncFile) error {
	if sf == nil || sf.Fence() == nil {
		return NewBufferError("import_sync_file", b.Name(), ErrInvalidArgument, "nil fence handle")
	}

	leaves := fence.Unwrap(sf.Fence())
	if len(leaves) == 0 {
		return NewBufferError("import_sync_file", b.Name(), ErrInvalidArgument,
			"fence handle decomposes to nothing")
	}

	b.rsv.Lock()
	defer b.rsv.Unlock()

	if err := b.rsv.Reserve(len(leaves)); err != nil {
		return WrapError("import_sync_file", err)
	}
	for _, f := range leaves {
		b.rsv.AddFence(f, usage)
	}

	frameworkMetrics.FenceImports.Add(1)
	return nil
}
