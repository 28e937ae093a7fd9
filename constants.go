package dmabuf

// Page granularity for device mappings. Device addresses and lengths in a
// ScatterList are aligned to this, matching what DMA engines expect.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// MaxNameLen bounds the diagnostic name a buffer can carry.
const MaxNameLen = 128

// PageAlign rounds n up to the next page boundary.
func PageAlign(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// PageAligned reports whether n sits on a page boundary.
func PageAligned(n uint64) bool {
	return n&(PageSize-1) == 0
}
