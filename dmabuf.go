// Package dmabuf provides a cross-device shared-buffer exchange framework:
// an exporter wraps a memory region in a Buffer, hands out descriptors, and
// independent importers attach, map, synchronize against, and release the
// region without sharing an address space with the exporter.
package dmabuf

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/behrlich/go-dmabuf/internal/logging"
	"github.com/behrlich/go-dmabuf/resv"
)

// Buffer is a shared buffer object. It is reference counted: every
// attachment, every open descriptor, and every registry iterator position
// holds a reference while in use, and the exporter's backing storage is
// released only when the last reference is dropped.
type Buffer struct {
	size    uint64
	ops     Exporter
	priv    any
	expName string
	owner   *Module
	rsv     *resv.Object

	refs atomic.Int64

	// The name has its own lock so diagnostics never contend with the
	// reservation lock on the map/unmap path.
	nameMu sync.Mutex
	name   string

	// Guarded by the reservation lock.
	attachments []*Attachment
	vmapPtr     []byte
	vmapCount   int

	// Poll bridge state, guarded by pollMu. pollMu is always short-held and
	// never taken with the reservation lock required.
	pollMu sync.Mutex
	waitCh chan struct{}
	cbIn   pollSlot
	cbOut  pollSlot

	// Registry linkage, guarded by the registry's own lock. Not a counted
	// reference; removed explicitly on last-reference teardown.
	elem *list.Element

	inode uint64
}

// ExportInfo holds everything an exporter supplies to create a buffer.
type ExportInfo struct {
	// Exporter is the capability set. Map, Unmap and Release are required
	// by construction; pin/unpin come together via PinExporter.
	Exporter Exporter

	// Size of the buffer in bytes. Immutable after creation.
	Size uint64

	// Priv is exporter-private data, retrievable with Buffer.Priv.
	Priv any

	// Name identifies the exporter in diagnostics.
	Name string

	// Owner is the module backing the exporter; may be nil for exporters
	// that cannot unload.
	Owner *Module

	// Resv optionally supplies a pre-existing reservation object, for
	// exporters that share one reservation across several buffers. When
	// nil the framework allocates one.
	Resv *resv.Object
}

var bufferInode atomic.Uint64

// Export creates a new Buffer wrapping the exporter's private data and
// capability set, and registers it in the process-wide registry. The caller
// owns the returned reference.
func Export(info ExportInfo) (*Buffer, error) {
	if info.Exporter == nil {
		return nil, NewError("export", ErrInvalidArgument, "nil exporter capability set")
	}
	if info.Size == 0 {
		return nil, NewError("export", ErrInvalidArgument, "zero-sized buffer")
	}

	if !info.Owner.TryGet() {
		return nil, NewError("export", ErrNotFound, "exporting module is unloading")
	}

	rsv := info.Resv
	if rsv == nil {
		rsv = resv.New()
	}

	b := &Buffer{
		size:    info.Size,
		ops:     info.Exporter,
		priv:    info.Priv,
		expName: info.Name,
		owner:   info.Owner,
		rsv:     rsv,
		waitCh:  make(chan struct{}),
		inode:   bufferInode.Add(1),
	}
	b.refs.Store(1)

	registryAdd(b)

	frameworkMetrics.Exports.Add(1)
	logging.Default().WithExporter(info.Name).Debug("buffer exported",
		"size", info.Size, "inode", b.inode)

	return b, nil
}

// Size returns the buffer's size in bytes. Fixed for the buffer's lifetime.
func (b *Buffer) Size() uint64 { return b.size }

// Priv returns the exporter-private data supplied at export time.
func (b *Buffer) Priv() any { return b.priv }

// ExporterName returns the diagnostic name of the exporter.
func (b *Buffer) ExporterName() string { return b.expName }

// Resv returns the buffer's reservation object. Non-nil for the buffer's
// entire life.
func (b *Buffer) Resv() *resv.Object { return b.rsv }

// Inode returns the buffer's unique identifier, analogous to an inode number.
func (b *Buffer) Inode() uint64 { return b.inode }

// Refs returns the current reference count. Diagnostic only.
func (b *Buffer) Refs() int64 { return b.refs.Load() }

// SetName assigns a diagnostic name, swapping atomically under the name's
// own lock so name queries never block on buffer-wide synchronization.
func (b *Buffer) SetName(name string) error {
	if len(name) > MaxNameLen {
		return NewBufferError("set_name", name[:MaxNameLen], ErrInvalidArgument, "name too long")
	}
	b.nameMu.Lock()
	b.name = name
	b.nameMu.Unlock()
	return nil
}

// Name returns the assigned diagnostic name, or "".
func (b *Buffer) Name() string {
	b.nameMu.Lock()
	defer b.nameMu.Unlock()
	return b.name
}

// Get takes an additional reference. The caller must already hold one; use
// the registry iterator to obtain a reference to a buffer it does not own.
func (b *Buffer) Get() {
	if b.refs.Add(1) <= 1 {
		panic("dmabuf: Get on a buffer with no live reference")
	}
}

// tryGet attempts to take a reference on a buffer the caller does not own.
// It fails when the count already reached zero, i.e. the buffer is mid
// teardown. This is the only refcount operation safe during registry
// iteration.
func (b *Buffer) tryGet() bool {
	for {
		n := b.refs.Load()
		if n == 0 {
			return false
		}
		if b.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Put drops one reference. At zero the buffer is torn down: it is removed
// from the registry, the exporter's release capability runs, and the module
// reference is dropped. The lifecycle invariants are enforced as fatal
// assertions here because violating them is a caller bug, not a recoverable
// condition.
func (b *Buffer) Put() {
	n := b.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("dmabuf: buffer reference underflow")
	}
	b.teardown()
}

func (b *Buffer) teardown() {
	registryDel(b)

	if b.vmapCount != 0 {
		panic("dmabuf: released with a live virtual mapping")
	}
	// A live poll slot holds its own buffer reference, so reaching zero
	// with an active slot means a reference imbalance in the poll bridge.
	if b.cbIn.active || b.cbOut.active {
		panic("dmabuf: released with an active poll callback")
	}
	if len(b.attachments) != 0 {
		panic("dmabuf: released with live attachments")
	}

	b.ops.Release(b)

	b.nameMu.Lock()
	b.name = ""
	b.nameMu.Unlock()

	b.owner.Put()

	frameworkMetrics.Releases.Add(1)
	logging.Default().WithExporter(b.expName).Debug("buffer released", "inode", b.inode)
}

// VMap returns a whole-buffer virtual mapping, creating one through the
// exporter's vmap capability on first use and reference counting it after
// that. Requires the reservation lock held.
func (b *Buffer) VMap() ([]byte, error) {
	b.rsv.AssertHeld()

	if b.vmapCount > 0 {
		b.vmapCount++
		return b.vmapPtr, nil
	}

	ve, ok := b.ops.(VmapExporter)
	if !ok {
		return nil, NewBufferError("vmap", b.Name(), ErrUnsupported, "exporter has no vmap capability")
	}

	ptr, err := ve.VMap(b)
	if err != nil {
		return nil, WrapError("vmap", err)
	}
	if ptr == nil {
		return nil, NewBufferError("vmap", b.Name(), ErrOutOfMemory, "exporter returned no mapping")
	}

	b.vmapPtr = ptr
	b.vmapCount = 1
	frameworkMetrics.VMaps.Add(1)
	return ptr, nil
}

// VUnmap drops one reference on the virtual mapping, releasing it through
// the exporter once the count reaches zero. Requires the reservation lock
// held. The supplied mapping must be the one VMap returned.
func (b *Buffer) VUnmap(m []byte) {
	b.rsv.AssertHeld()

	if b.vmapCount == 0 {
		panic("dmabuf: VUnmap without a live mapping")
	}
	if len(m) != len(b.vmapPtr) || (len(m) > 0 && &m[0] != &b.vmapPtr[0]) {
		panic("dmabuf: VUnmap of a foreign mapping")
	}

	b.vmapCount--
	if b.vmapCount > 0 {
		return
	}

	if ve, ok := b.ops.(VmapExporter); ok {
		ve.VUnmap(b, m)
	}
	b.vmapPtr = nil
}

// VMapUnlocked is VMap for callers that do not hold the reservation lock.
func (b *Buffer) VMapUnlocked() ([]byte, error) {
	b.rsv.Lock()
	defer b.rsv.Unlock()
	return b.VMap()
}

// VUnmapUnlocked is VUnmap for callers that do not hold the reservation lock.
func (b *Buffer) VUnmapUnlocked(m []byte) {
	b.rsv.Lock()
	defer b.rsv.Unlock()
	b.VUnmap(m)
}
