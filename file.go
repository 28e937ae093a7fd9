package dmabuf

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/behrlich/go-dmabuf/fence"
	"github.com/behrlich/go-dmabuf/resv"
)

// FDFlags modify descriptor creation.
type FDFlags uint32

// CloseOnExec marks the descriptor close-on-exec. Recorded for fidelity with
// descriptor semantics; it has no effect on the in-process table.
const CloseOnExec FDFlags = 1

// SyncFlags select the direction and phase of a Sync command.
type SyncFlags uint32

const (
	SyncRead  SyncFlags = 1 << 0
	SyncWrite SyncFlags = 1 << 1
	SyncRW              = SyncRead | SyncWrite
	SyncEnd   SyncFlags = 1 << 2

	syncValidFlags = SyncRW | SyncEnd
)

// Command identifies a control operation against an open descriptor.
type Command uint32

const (
	// CmdSync opens or closes a CPU access bracket. Arg: SyncFlags.
	CmdSync Command = iota + 1
	// CmdSetName assigns the buffer's diagnostic name. Arg: string.
	CmdSetName
	// CmdExportSyncFile collapses pending fences into a shareable handle.
	// Arg: SyncFlags (direction bits only). Result: *fence.SyncFile.
	CmdExportSyncFile
	// CmdImportSyncFile records an external fence against the reservation.
	// Arg: ImportSyncArgs.
	CmdImportSyncFile
)

// ImportSyncArgs is the argument to CmdImportSyncFile.
type ImportSyncArgs struct {
	Flags    SyncFlags
	SyncFile *fence.SyncFile
}

// File is an open descriptor on a buffer. It holds one buffer reference from
// creation until Close.
type File struct {
	fd     int64
	buf    *Buffer
	flags  FDFlags
	closed atomic.Bool
}

var (
	fdTable = cmap.New[*File]()
	nextFD  atomic.Int64
)

func fdKey(fd int64) string { return strconv.FormatInt(fd, 10) }

// NewFD publishes the buffer as a process-visible descriptor. The descriptor
// holds its own buffer reference; the caller's reference is untouched.
func NewFD(b *Buffer, flags FDFlags) (int64, error) {
	if b == nil {
		return -1, NewError("new_fd", ErrInvalidArgument, "nil buffer")
	}
	if flags&^CloseOnExec != 0 {
		return -1, NewBufferError("new_fd", b.Name(), ErrInvalidArgument, "unknown descriptor flags")
	}

	b.Get()
	f := &File{fd: nextFD.Add(1), buf: b, flags: flags}
	fdTable.Set(fdKey(f.fd), f)
	return f.fd, nil
}

// OpenFD returns the File behind a descriptor, failing with InvalidArgument
// when the descriptor does not denote a buffer of this framework.
func OpenFD(fd int64) (*File, error) {
	f, ok := fdTable.Get(fdKey(fd))
	if !ok {
		return nil, NewError("open_fd", ErrInvalidArgument, "descriptor is not a shared buffer")
	}
	return f, nil
}

// GetBuffer exchanges a descriptor for its buffer, taking a reference the
// caller must drop with Put. A concurrent CloseFD may have dropped the
// descriptor's reference between the table lookup and here, so the
// reference is taken with tryGet rather than assumed live.
func GetBuffer(fd int64) (*Buffer, error) {
	f, err := OpenFD(fd)
	if err != nil {
		return nil, err
	}
	if !f.buf.tryGet() {
		return nil, NewError("get_buffer", ErrInvalidArgument, "descriptor is not a shared buffer")
	}
	return f.buf, nil
}

// CloseFD retires the descriptor and drops its buffer reference. Closing an
// unknown descriptor fails with InvalidArgument.
func CloseFD(fd int64) error {
	f, ok := fdTable.Pop(fdKey(fd))
	if !ok {
		return NewError("close_fd", ErrInvalidArgument, "descriptor is not a shared buffer")
	}
	return f.Close()
}

// Buffer returns the buffer behind the descriptor without taking a
// reference; the descriptor's own reference keeps it valid until Close.
func (f *File) Buffer() *Buffer { return f.buf }

// FD returns the descriptor number.
func (f *File) FD() int64 { return f.fd }

// Close drops the descriptor's buffer reference. Idempotent.
func (f *File) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	fdTable.Remove(fdKey(f.fd))
	f.buf.Put()
	return nil
}

// Ioctl dispatches a control command against the descriptor. Unrecognized
// commands fail with ErrUnsupported.
func (f *File) Ioctl(ctx context.Context, cmd Command, arg any) (any, error) {
	switch cmd {
	case CmdSync:
		flags, ok := arg.(SyncFlags)
		if !ok {
			return nil, NewBufferError("ioctl", f.buf.Name(), ErrInvalidArgument, "sync wants SyncFlags")
		}
		return nil, f.Sync(ctx, flags)

	case CmdSetName:
		name, ok := arg.(string)
		if !ok {
			return nil, NewBufferError("ioctl", f.buf.Name(), ErrInvalidArgument, "set_name wants a string")
		}
		return nil, f.buf.SetName(name)

	case CmdExportSyncFile:
		flags, ok := arg.(SyncFlags)
		if !ok || flags&^SyncRW != 0 || flags&SyncRW == 0 {
			return nil, NewBufferError("ioctl", f.buf.Name(), ErrInvalidArgument, "bad fence export flags")
		}
		return f.buf.ExportSyncFile(resv.UsageRW(flags&SyncWrite != 0))

	case CmdImportSyncFile:
		args, ok := arg.(ImportSyncArgs)
		if !ok || args.Flags&^SyncRW != 0 || args.Flags&SyncRW == 0 {
			return nil, NewBufferError("ioctl", f.buf.Name(), ErrInvalidArgument, "bad fence import flags")
		}
		usage := resv.UsageRead
		if args.Flags&SyncWrite != 0 {
			usage = resv.UsageWrite
		}
		return nil, f.buf.ImportSyncFile(usage, args.SyncFile)

	default:
		return nil, NewBufferError("ioctl", f.buf.Name(), ErrUnsupported, "unrecognized command")
	}
}

// Sync opens (or, with SyncEnd, closes) a CPU access bracket in the
// direction the flags select.
func (f *File) Sync(ctx context.Context, flags SyncFlags) error {
	if flags&^syncValidFlags != 0 || flags&SyncRW == 0 {
		return NewBufferError("sync", f.buf.Name(), ErrInvalidArgument, "bad sync flags")
	}

	var dir Direction
	switch flags & SyncRW {
	case SyncRead:
		dir = DirFromDevice
	case SyncWrite:
		dir = DirToDevice
	default:
		dir = DirBidirectional
	}

	if flags&SyncEnd != 0 {
		return f.buf.EndCPUAccess(dir)
	}
	return f.buf.BeginCPUAccess(ctx, dir)
}

// Mmap maps [offset, offset+length) of the buffer into the caller's address
// space through the exporter's mmap capability. The range must lie inside
// the buffer.
func (f *File) Mmap(offset, length uint64) ([]byte, error) {
	b := f.buf
	me, ok := b.ops.(MmapExporter)
	if !ok {
		return nil, NewBufferError("mmap", b.Name(), ErrUnsupported, "exporter has no mmap capability")
	}
	if length == 0 || offset > b.size || length > b.size-offset {
		return nil, NewBufferError("mmap", b.Name(), ErrInvalidArgument, "range exceeds buffer size")
	}

	m, err := me.Mmap(b, offset, length)
	if err != nil {
		return nil, WrapError("mmap", err)
	}
	return m, nil
}

// Seek supports only the size-probing idioms: seek to absolute zero and seek
// to end with zero offset. Anything else fails with InvalidArgument.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if offset != 0 {
		return 0, NewBufferError("seek", f.buf.Name(), ErrInvalidArgument, "nonzero seek offset")
	}
	switch whence {
	case io.SeekStart:
		return 0, nil
	case io.SeekEnd:
		return int64(f.buf.size), nil
	default:
		return 0, NewBufferError("seek", f.buf.Name(), ErrInvalidArgument, "unsupported seek origin")
	}
}

// Poll reports the descriptor's current readiness, arming wakeups for
// whatever is not ready. See Buffer.Poll.
func (f *File) Poll(events Events) Events {
	return f.buf.Poll(events)
}

// WaitChannel returns the channel closed on the buffer's next poll wakeup.
func (f *File) WaitChannel() <-chan struct{} {
	return f.buf.WaitChannel()
}

// FDInfo renders the metadata a descriptor-info query reports.
func (f *File) FDInfo() string {
	b := f.buf
	return fmt.Sprintf("size:\t%d\ncount:\t%d\nexp_name:\t%s\nname:\t%s\nino:\t%d\n",
		b.size, b.Refs(), b.expName, b.Name(), b.inode)
}
