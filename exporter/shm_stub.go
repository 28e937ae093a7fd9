//go:build !linux

package exporter

import (
	dmabuf "github.com/behrlich/go-dmabuf"
)

// Shm is only available on Linux, where memfd regions exist.
type Shm struct{}

// NewShm fails on non-Linux platforms.
func NewShm(name string, size uint64) (*Shm, error) {
	return nil, dmabuf.NewError("shm_create", dmabuf.ErrUnsupported,
		"shared-memory exporter requires linux")
}

// Export fails on non-Linux platforms.
func (s *Shm) Export(owner *dmabuf.Module) (*dmabuf.Buffer, error) {
	return nil, dmabuf.NewError("export", dmabuf.ErrUnsupported,
		"shared-memory exporter requires linux")
}
