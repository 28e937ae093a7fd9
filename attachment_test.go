package dmabuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDynamicAttachRequiresMoveNotify(t *testing.T) {
	b := mustExport(t, PageSize)
	defer b.Put()

	_, err := DynamicAttach(b, DeviceName("dev0"), &ImporterOps{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAttachHoldsBufferReference(t *testing.T) {
	b := mustExport(t, PageSize)
	defer b.Put()

	att, err := Attach(b, DeviceName("dev0"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Refs())

	b.rsv.Lock()
	assert.Equal(t, []string{"dev0"}, b.Attachments())
	b.rsv.Unlock()

	att.Detach()
	assert.Equal(t, int64(1), b.Refs())
}

func TestAttachHookFailureLeavesNoAttachment(t *testing.T) {
	exp := NewMockExporter(PageSize)
	exp.AttachErr = NewError("attach", ErrBusy, "storage unreachable")
	b := mustExportWith(t, exp, PageSize)
	defer b.Put()

	_, err := Attach(b, DeviceName("dev0"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusy)

	assert.Equal(t, int64(1), b.Refs())
	b.rsv.Lock()
	assert.Empty(t, b.Attachments())
	b.rsv.Unlock()
}

// The mock exporter has a pin capability, so a static attachment is
// pin-on-map: the storage is pinned for exactly the life of each mapping.
func TestStaticAttachmentPinsAroundMap(t *testing.T) {
	exp := NewMockExporter(PageSize)
	b := mustExportWith(t, exp, PageSize)
	defer b.Put()

	att, err := Attach(b, DeviceName("dev0"))
	require.NoError(t, err)
	defer att.Detach()

	require.Equal(t, 0, exp.PinCount())

	sgl, err := att.MapUnlocked(DirToDevice)
	require.NoError(t, err)
	assert.Equal(t, 1, exp.PinCount())

	att.UnmapUnlocked(sgl, DirToDevice)
	assert.Equal(t, 0, exp.PinCount())
}

func TestDynamicAttachmentDoesNotPinOnMap(t *testing.T) {
	exp := NewMockExporter(PageSize)
	b := mustExportWith(t, exp, PageSize)
	defer b.Put()

	att, err := DynamicAttach(b, DeviceName("dev0"), &ImporterOps{
		MoveNotify: func(*Attachment) {},
	}, nil)
	require.NoError(t, err)
	defer att.Detach()

	sgl, err := att.MapUnlocked(DirFromDevice)
	require.NoError(t, err)
	assert.Equal(t, 0, exp.PinCount())
	att.UnmapUnlocked(sgl, DirFromDevice)
}

func TestPinUnpinBalance(t *testing.T) {
	exp := NewMockExporter(PageSize)
	b := mustExportWith(t, exp, PageSize)
	defer b.Put()

	att, err := DynamicAttach(b, DeviceName("dev0"), &ImporterOps{
		MoveNotify: func(*Attachment) {},
	}, nil)
	require.NoError(t, err)
	defer att.Detach()

	require.NoError(t, att.PinUnlocked())
	require.NoError(t, att.PinUnlocked())
	assert.Equal(t, 2, exp.PinCount())

	att.UnpinUnlocked()
	att.UnpinUnlocked()
	assert.Equal(t, 0, exp.PinCount())

	// One unpin past the balance is a caller bug the exporter traps.
	assert.Panics(t, func() { att.UnpinUnlocked() })
}

func TestPinOnStaticAttachmentPanics(t *testing.T) {
	b := mustExport(t, PageSize)
	defer b.Put()

	att, err := Attach(b, DeviceName("dev0"))
	require.NoError(t, err)
	defer att.Detach()

	assert.Panics(t, func() { _ = att.PinUnlocked() })
}

func TestMapRequiresReservationLock(t *testing.T) {
	b := mustExport(t, PageSize)
	defer b.Put()

	att, err := Attach(b, DeviceName("dev0"))
	require.NoError(t, err)
	defer att.Detach()

	assert.Panics(t, func() { _, _ = att.Map(DirBidirectional) })
}

func TestMapBadDirection(t *testing.T) {
	b := mustExport(t, PageSize)
	defer b.Put()

	att, err := Attach(b, DeviceName("dev0"))
	require.NoError(t, err)
	defer att.Detach()

	_, err = att.MapUnlocked(Direction(99))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMoveNotifyReachesDynamicImportersOnly(t *testing.T) {
	b := mustExport(t, PageSize)
	defer b.Put()

	moved := 0
	dyn, err := DynamicAttach(b, DeviceName("dyn0"), &ImporterOps{
		MoveNotify: func(a *Attachment) {
			moved++
			assert.Equal(t, "dyn0", a.Device().Name())
		},
	}, nil)
	require.NoError(t, err)
	defer dyn.Detach()

	static, err := Attach(b, DeviceName("static0"))
	require.NoError(t, err)
	defer static.Detach()

	b.rsv.Lock()
	b.MoveNotify()
	b.MoveNotify()
	b.rsv.Unlock()

	assert.Equal(t, 2, moved)
}

func TestTeardownWithLiveAttachmentPanics(t *testing.T) {
	b := mustExport(t, PageSize)

	att, err := Attach(b, DeviceName("dev0"))
	require.NoError(t, err)

	_ = att

	// The attachment holds its own reference, so reaching teardown without
	// a detach takes dropping both.
	defer func() {
		if recover() == nil {
			t.Fatal("teardown with a live attachment did not panic")
		}
	}()
	b.Put()
	b.Put()
}

func TestAttachmentPriv(t *testing.T) {
	b := mustExport(t, PageSize)
	defer b.Put()

	type importerState struct{ id int }
	st := &importerState{id: 7}
	att, err := DynamicAttach(b, DeviceName("dev0"), &ImporterOps{
		MoveNotify: func(*Attachment) {},
	}, st)
	require.NoError(t, err)
	defer att.Detach()

	assert.Same(t, st, att.Priv())
	assert.True(t, att.IsDynamic())
}
