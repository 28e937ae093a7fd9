package dmabuf

import (
	"context"

	"github.com/behrlich/go-dmabuf/internal/logging"
	"github.com/behrlich/go-dmabuf/resv"
)

// Attachment is one device's registered relationship to a buffer. It does
// not own the buffer; it holds a back-reference and keeps one buffer
// reference alive for its own lifetime.
type Attachment struct {
	buf      *Buffer
	dev      Device
	importer *ImporterOps
	priv     any
	p2p      bool
}

// Attach registers dev as a static importer of b: the importer gets no
// move notification and the framework pins the storage for it around every
// mapping.
func Attach(b *Buffer, dev Device) (*Attachment, error) {
	return DynamicAttach(b, dev, nil, nil)
}

// DynamicAttach registers dev as an importer of b. A non-nil importer op set
// makes the attachment dynamic: the exporter may move the backing storage at
// any time outside a pin, telling the importer through MoveNotify. Dynamic
// importers must therefore supply a MoveNotify callback.
//
// The exporter's attach hook, if any, runs without the reservation lock and
// may fail; ErrBusy means the backing storage cannot be made reachable from
// dev. Attachments must be cleaned up with Detach.
func DynamicAttach(b *Buffer, dev Device, importer *ImporterOps, priv any) (*Attachment, error) {
	if b == nil || dev == nil {
		return nil, NewError("attach", ErrInvalidArgument, "nil buffer or device")
	}
	if importer != nil && importer.MoveNotify == nil {
		return nil, NewBufferError("attach", b.Name(), ErrInvalidArgument,
			"dynamic importer without a move-notify callback")
	}

	a := &Attachment{
		buf:      b,
		dev:      dev,
		importer: importer,
		priv:     priv,
	}
	if importer != nil {
		a.p2p = importer.AllowPeer2Peer
	}

	if ae, ok := b.ops.(AttachExporter); ok {
		if err := ae.Attach(b, a); err != nil {
			return nil, WrapError("attach", err)
		}
	}

	b.Get()
	b.rsv.Lock()
	b.attachments = append(b.attachments, a)
	b.rsv.Unlock()

	frameworkMetrics.Attaches.Add(1)
	logging.Default().WithBuffer(b.Name()).WithDevice(dev.Name()).Debug("device attached",
		"dynamic", a.IsDynamic())

	return a, nil
}

// Detach removes the attachment from its buffer and frees it. The exporter's
// detach hook runs after the list removal, without the reservation lock.
// Mappings must have been released first.
func (a *Attachment) Detach() {
	b := a.buf
	if b == nil {
		panic("dmabuf: detach of a detached attachment")
	}

	b.rsv.Lock()
	for i, other := range b.attachments {
		if other == a {
			b.attachments = append(b.attachments[:i], b.attachments[i+1:]...)
			break
		}
	}
	b.rsv.Unlock()

	if de, ok := b.ops.(DetachExporter); ok {
		de.Detach(b, a)
	}

	a.buf = nil
	frameworkMetrics.Detaches.Add(1)
	logging.Default().WithBuffer(b.Name()).WithDevice(a.dev.Name()).Debug("device detached")

	b.Put()
}

// Buffer returns the attached buffer.
func (a *Attachment) Buffer() *Buffer { return a.buf }

// Device returns the importing device.
func (a *Attachment) Device() Device { return a.dev }

// Priv returns the importer-private data supplied at attach time.
func (a *Attachment) Priv() any { return a.priv }

// PeerToPeer reports whether the importer allowed peer-to-peer placement.
func (a *Attachment) PeerToPeer() bool { return a.p2p }

// IsDynamic reports whether the attachment was created with importer
// capabilities and therefore receives move notifications.
func (a *Attachment) IsDynamic() bool { return a.importer != nil }

// pinOnMap reports whether mappings of this attachment must pin the backing
// storage for their duration: the exporter can move storage and the importer
// would never hear about the move.
func (a *Attachment) pinOnMap() bool {
	_, ok := a.buf.ops.(PinExporter)
	return ok && !a.IsDynamic()
}

// Pin locks the backing storage in place until Unpin. Requires the
// reservation lock held; valid only for dynamic attachments. An exporter
// without a pin capability treats the storage as immovable, so Pin succeeds
// as a no-op.
func (a *Attachment) Pin() error {
	b := a.buf
	b.rsv.AssertHeld()
	if !a.IsDynamic() {
		panic("dmabuf: Pin on a static attachment")
	}

	if pe, ok := b.ops.(PinExporter); ok {
		if err := pe.Pin(a); err != nil {
			return WrapError("pin", err)
		}
	}
	frameworkMetrics.Pins.Add(1)
	return nil
}

// Unpin releases a pin taken with Pin, allowing the exporter to move the
// backing storage again. Requires the reservation lock held.
func (a *Attachment) Unpin() {
	b := a.buf
	b.rsv.AssertHeld()
	if !a.IsDynamic() {
		panic("dmabuf: Unpin on a static attachment")
	}

	if pe, ok := b.ops.(PinExporter); ok {
		pe.Unpin(a)
	}
	frameworkMetrics.Unpins.Add(1)
}

// Map maps the buffer into the attachment's device address space and returns
// the page-aligned ranges backing it. Requires the reservation lock held.
//
// Static attachments have no other synchronization channel, so the mapping
// additionally waits, without bound, for all kernel-usage fences before it is
// returned. Dynamic importers are expected to order against the reservation's
// fences themselves.
//
// The mapping is owned by the caller until Unmap; the backing storage stays
// pinned for as long as a mapping exists.
func (a *Attachment) Map(dir Direction) (*ScatterList, error) {
	b := a.buf
	b.rsv.AssertHeld()
	if !dir.valid() {
		return nil, NewBufferError("map", b.Name(), ErrInvalidArgument, "bad transfer direction")
	}

	pinned := false
	if a.pinOnMap() {
		pe := b.ops.(PinExporter)
		if err := pe.Pin(a); err != nil {
			return nil, WrapError("map", err)
		}
		pinned = true
	}

	sgl, err := b.ops.Map(a, dir)
	if err == nil && sgl == nil {
		err = NewBufferError("map", b.Name(), ErrOutOfMemory, "exporter returned no mapping")
	}
	if err != nil {
		if pinned {
			b.ops.(PinExporter).Unpin(a)
		}
		return nil, WrapError("map", err)
	}

	if !a.IsDynamic() {
		if werr := b.rsv.Wait(context.Background(), resv.UsageKernel); werr != nil {
			b.ops.Unmap(a, sgl, dir)
			if pinned {
				b.ops.(PinExporter).Unpin(a)
			}
			return nil, NewBufferError("map", b.Name(), ErrInterrupted, "kernel fence wait interrupted")
		}
	}

	for _, r := range sgl.Ranges {
		if !PageAligned(r.Addr) || !PageAligned(r.Len) {
			logging.Default().WithBuffer(b.Name()).Debug("mapping range not page aligned",
				"addr", r.Addr, "len", r.Len)
		}
	}

	frameworkMetrics.Maps.Add(1)
	return sgl, nil
}

// Unmap releases a mapping obtained with Map, unpinning the backing storage
// if the mapping pinned it. Requires the reservation lock held.
func (a *Attachment) Unmap(sgl *ScatterList, dir Direction) {
	b := a.buf
	b.rsv.AssertHeld()
	if sgl == nil {
		panic("dmabuf: Unmap of a nil mapping")
	}

	b.ops.Unmap(a, sgl, dir)

	if a.pinOnMap() {
		b.ops.(PinExporter).Unpin(a)
	}
	frameworkMetrics.Unmaps.Add(1)
}

// MapUnlocked is Map for callers that do not hold the reservation lock.
func (a *Attachment) MapUnlocked(dir Direction) (*ScatterList, error) {
	a.buf.rsv.Lock()
	defer a.buf.rsv.Unlock()
	return a.Map(dir)
}

// UnmapUnlocked is Unmap for callers that do not hold the reservation lock.
func (a *Attachment) UnmapUnlocked(sgl *ScatterList, dir Direction) {
	a.buf.rsv.Lock()
	defer a.buf.rsv.Unlock()
	a.Unmap(sgl, dir)
}

// PinUnlocked is Pin for callers that do not hold the reservation lock.
func (a *Attachment) PinUnlocked() error {
	a.buf.rsv.Lock()
	defer a.buf.rsv.Unlock()
	return a.Pin()
}

// UnpinUnlocked is Unpin for callers that do not hold the reservation lock.
func (a *Attachment) UnpinUnlocked() {
	a.buf.rsv.Lock()
	defer a.buf.rsv.Unlock()
	a.Unpin()
}

// MoveNotify tells every dynamic attachment that the backing storage moved
// and their mappings are stale. Exporters call this, with the reservation
// lock held, before relocating storage; the notification is synchronous, so
// every dynamic importer has observed the move when it returns.
func (b *Buffer) MoveNotify() {
	b.rsv.AssertHeld()

	for _, a := range b.attachments {
		if a.importer != nil {
			a.importer.MoveNotify(a)
		}
	}
	frameworkMetrics.MoveNotifies.Add(1)
}

// Attachments returns a snapshot of the device names currently attached.
// Requires the reservation lock held.
func (b *Buffer) Attachments() []string {
	b.rsv.AssertHeld()
	names := make([]string, 0, len(b.attachments))
	for _, a := range b.attachments {
		names = append(names, a.dev.Name())
	}
	return names
}
