//go:build linux

package exporter

import (
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"

	dmabuf "github.com/behrlich/go-dmabuf"
)

// Shm provides a shared-memory exporter backed by a memfd region, so the
// descriptor can be handed to other processes and mapped on both sides.
// Implements map/unmap/release plus mmap and vmap.
type Shm struct {
	fd   int
	size uint64
	name string

	mu   sync.Mutex
	mapd []byte
}

// NewShm creates a memfd-backed region of the given size. Before allocating
// it checks that tmpfs has room, since memfd pages land in the same pool as
// /dev/shm.
func NewShm(name string, size uint64) (*Shm, error) {
	if usage, err := disk.Usage("/dev/shm"); err == nil && usage.Free < size {
		return nil, dmabuf.NewError("shm_create", dmabuf.ErrOutOfMemory,
			fmt.Sprintf("shared memory exhausted: %d free, %d wanted", usage.Free, size))
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, dmabuf.WrapError("shm_create", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, dmabuf.WrapError("shm_create", err)
	}
	// Seal the size so importers can trust it for the region's lifetime.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_GROW|unix.F_SEAL_SHRINK); err != nil {
		unix.Close(fd)
		return nil, dmabuf.WrapError("shm_create", err)
	}

	return &Shm{fd: fd, size: size, name: name}, nil
}

// Export wraps the region in a buffer registered with the framework.
func (s *Shm) Export(owner *dmabuf.Module) (*dmabuf.Buffer, error) {
	return dmabuf.Export(dmabuf.ExportInfo{
		Exporter: s,
		Size:     s.size,
		Priv:     s,
		Name:     "shm:" + s.name,
		Owner:    owner,
	})
}

// RegionFD returns the memfd backing the region, for out-of-process sharing.
func (s *Shm) RegionFD() int { return s.fd }

func (s *Shm) mapRegion() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapd != nil {
		return s.mapd, nil
	}
	m, err := unix.Mmap(s.fd, 0, int(s.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, dmabuf.WrapError("shm_map", err)
	}
	s.mapd = m
	return m, nil
}

// Map implements the dmabuf.Exporter interface
func (s *Shm) Map(a *dmabuf.Attachment, dir dmabuf.Direction) (*dmabuf.ScatterList, error) {
	if _, err := s.mapRegion(); err != nil {
		return nil, err
	}
	return &dmabuf.ScatterList{
		Ranges: []dmabuf.Range{{Addr: 0, Len: dmabuf.PageAlign(s.size)}},
	}, nil
}

// Unmap implements the dmabuf.Exporter interface
func (s *Shm) Unmap(a *dmabuf.Attachment, sgl *dmabuf.ScatterList, dir dmabuf.Direction) {}

// Mmap implements the dmabuf.MmapExporter interface
func (s *Shm) Mmap(b *dmabuf.Buffer, offset, length uint64) ([]byte, error) {
	m, err := s.mapRegion()
	if err != nil {
		return nil, err
	}
	return m[offset : offset+length], nil
}

// VMap implements the dmabuf.VmapExporter interface
func (s *Shm) VMap(b *dmabuf.Buffer) ([]byte, error) {
	return s.mapRegion()
}

// VUnmap implements the dmabuf.VmapExporter interface. The process mapping
// stays cached until release; vmap reference counting happens above us.
func (s *Shm) VUnmap(b *dmabuf.Buffer, p []byte) {}

// Release implements the dmabuf.Exporter interface
func (s *Shm) Release(b *dmabuf.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapd != nil {
		unix.Munmap(s.mapd)
		s.mapd = nil
	}
	unix.Close(s.fd)
	s.fd = -1
}

// Compile-time interface checks
var (
	_ dmabuf.Exporter     = (*Shm)(nil)
	_ dmabuf.MmapExporter = (*Shm)(nil)
	_ dmabuf.VmapExporter = (*Shm)(nil)
)
