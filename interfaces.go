package dmabuf

import "context"

// Direction describes a DMA transfer direction relative to the device.
type Direction int

const (
	// DirBidirectional covers transfers in both directions.
	DirBidirectional Direction = iota
	// DirToDevice means the device reads the buffer (CPU writes).
	DirToDevice
	// DirFromDevice means the device writes the buffer (CPU reads).
	DirFromDevice
	// DirNone performs no transfer.
	DirNone
)

func (d Direction) String() string {
	switch d {
	case DirBidirectional:
		return "bidirectional"
	case DirToDevice:
		return "to-device"
	case DirFromDevice:
		return "from-device"
	case DirNone:
		return "none"
	default:
		return "invalid"
	}
}

func (d Direction) valid() bool {
	return d >= DirBidirectional && d <= DirNone
}

// writes reports whether CPU access in this direction modifies the buffer
// and therefore must order after every pending fence, not just writes.
func (d Direction) writes() bool {
	return d == DirBidirectional || d == DirToDevice
}

// Range is one contiguous device-address range backing a mapping. Addr and
// Len are page aligned.
type Range struct {
	Addr uint64
	Len  uint64
}

// ScatterList is the result of mapping an attachment: the list of device
// address ranges backing the buffer for one attachment and direction. The
// caller owns it until it is unmapped.
type ScatterList struct {
	Ranges []Range
}

// Size returns the total mapped length in bytes.
func (s *ScatterList) Size() uint64 {
	var n uint64
	for _, r := range s.Ranges {
		n += r.Len
	}
	return n
}

// Exporter is the capability set every exporter must provide. Map, Unmap and
// Release are mandatory; everything else an exporter can do is expressed
// through the optional interfaces below, in the manner of io.ReaderAt-style
// interface composition.
//
// Map and Unmap are invoked with the buffer's reservation lock held and must
// not take it. Release is invoked without the lock during final teardown.
type Exporter interface {
	// Map maps the buffer into the device address space of the given
	// attachment and returns the backing ranges. A nil result without an
	// error is treated as an allocation failure.
	Map(a *Attachment, dir Direction) (*ScatterList, error)

	// Unmap releases a mapping previously returned by Map.
	Unmap(a *Attachment, sgl *ScatterList, dir Direction)

	// Release frees the exporter's backing resources. Called exactly once,
	// when the buffer's last reference is dropped.
	Release(b *Buffer)
}

// AttachExporter is an optional interface for exporters that need a hook when
// a device attaches. The hook runs without the reservation lock and may take
// it. Returning ErrBusy indicates the backing storage cannot be made
// reachable from the requesting device.
type AttachExporter interface {
	Exporter

	Attach(b *Buffer, a *Attachment) error
}

// DetachExporter is an optional interface for device-specific detach
// teardown. The hook runs without the reservation lock and may take it.
type DetachExporter interface {
	Exporter

	Detach(b *Buffer, a *Attachment)
}

// PinExporter is an optional interface for exporters whose backing storage
// can move. Pin locks the storage in place until the matching Unpin. Both
// hooks run with the reservation lock held. Implementing this interface
// supplies pin and unpin together; one without the other is not expressible.
type PinExporter interface {
	Exporter

	Pin(a *Attachment) error
	Unpin(a *Attachment)
}

// MmapExporter is an optional interface for exporters that can hand a byte
// range of the buffer to the caller's address space. Invoked without the
// reservation lock.
type MmapExporter interface {
	Exporter

	Mmap(b *Buffer, offset, length uint64) ([]byte, error)
}

// VmapExporter is an optional interface for whole-buffer virtual mappings.
// Both hooks run with the reservation lock held; the framework caches the
// mapping so VMap is only called when no mapping exists.
type VmapExporter interface {
	Exporter

	VMap(b *Buffer) ([]byte, error)
	VUnmap(b *Buffer, m []byte)
}

// CPUAccessExporter is an optional interface for exporters that need cache
// maintenance around CPU access. Both hooks run without the reservation lock
// and may take it. Whatever BeginCPUAccess returns, the framework still waits
// for the buffer's implicit fences afterwards.
type CPUAccessExporter interface {
	Exporter

	BeginCPUAccess(ctx context.Context, b *Buffer, dir Direction) error
	EndCPUAccess(b *Buffer, dir Direction) error
}

// Device identifies an importer to the framework. Only the name is needed,
// for attachment bookkeeping and diagnostics.
type Device interface {
	Name() string
}

// DeviceName is a trivial Device for importers that have no richer identity.
type DeviceName string

// Name implements the Device interface
func (d DeviceName) Name() string { return string(d) }

// ImporterOps is the importer-side capability set for a dynamic attachment.
// MoveNotify is mandatory for dynamic importers: it is how the exporter tells
// them their mappings went stale.
type ImporterOps struct {
	// AllowPeer2Peer permits the exporter to leave the backing storage in
	// device memory the importer can reach directly.
	AllowPeer2Peer bool

	// MoveNotify is called, with the reservation lock held, when the
	// exporter relocates the backing storage. The importer must destroy and
	// recreate its mappings in response and must not take the reservation
	// lock.
	MoveNotify func(a *Attachment)
}
