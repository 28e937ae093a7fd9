// Package exporter provides stock exporter implementations for the dmabuf
// framework.
package exporter

import (
	"context"
	"sync"

	dmabuf "github.com/behrlich/go-dmabuf"
)

// Memory provides a heap-backed exporter. It implements every optional
// capability, which makes it the reference exporter for importers that want
// to exercise the full protocol against plain RAM.
type Memory struct {
	data []byte
	size uint64
	mu   sync.Mutex

	pins    int
	attErr  error
	devBase uint64
}

// MemoryOption configures a Memory exporter.
type MemoryOption func(*Memory)

// WithAttachError makes every attach fail with err, modeling an exporter
// whose storage a device cannot reach.
func WithAttachError(err error) MemoryOption {
	return func(m *Memory) { m.attErr = err }
}

// WithDeviceBase sets the device address the single mapped range starts at.
func WithDeviceBase(addr uint64) MemoryOption {
	return func(m *Memory) { m.devBase = addr }
}

// NewMemory creates a memory exporter of the specified size.
func NewMemory(size uint64, opts ...MemoryOption) *Memory {
	m := &Memory{
		data: make([]byte, size),
		size: size,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Export wraps the exporter in a buffer registered with the framework.
func (m *Memory) Export(name string, owner *dmabuf.Module) (*dmabuf.Buffer, error) {
	return dmabuf.Export(dmabuf.ExportInfo{
		Exporter: m,
		Size:     m.size,
		Priv:     m,
		Name:     name,
		Owner:    owner,
	})
}

// Attach implements the dmabuf.AttachExporter interface
func (m *Memory) Attach(b *dmabuf.Buffer, a *dmabuf.Attachment) error {
	return m.attErr
}

// Detach implements the dmabuf.DetachExporter interface
func (m *Memory) Detach(b *dmabuf.Buffer, a *dmabuf.Attachment) {}

// Map implements the dmabuf.Exporter interface. RAM is physically
// contiguous here, so the mapping is a single page-aligned range.
func (m *Memory) Map(a *dmabuf.Attachment, dir dmabuf.Direction) (*dmabuf.ScatterList, error) {
	return &dmabuf.ScatterList{
		Ranges: []dmabuf.Range{{Addr: m.devBase, Len: dmabuf.PageAlign(m.size)}},
	}, nil
}

// Unmap implements the dmabuf.Exporter interface
func (m *Memory) Unmap(a *dmabuf.Attachment, sgl *dmabuf.ScatterList, dir dmabuf.Direction) {}

// Pin implements the dmabuf.PinExporter interface. The backing slice never
// moves; the counter only tracks the balance.
func (m *Memory) Pin(a *dmabuf.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins++
	return nil
}

// Unpin implements the dmabuf.PinExporter interface
func (m *Memory) Unpin(a *dmabuf.Attachment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pins == 0 {
		panic("exporter: memory unpinned below zero")
	}
	m.pins--
}

// Pins returns the current pin balance.
func (m *Memory) Pins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pins
}

// Mmap implements the dmabuf.MmapExporter interface
func (m *Memory) Mmap(b *dmabuf.Buffer, offset, length uint64) ([]byte, error) {
	return m.data[offset : offset+length], nil
}

// VMap implements the dmabuf.VmapExporter interface
func (m *Memory) VMap(b *dmabuf.Buffer) ([]byte, error) {
	return m.data, nil
}

// VUnmap implements the dmabuf.VmapExporter interface
func (m *Memory) VUnmap(b *dmabuf.Buffer, p []byte) {}

// BeginCPUAccess implements the dmabuf.CPUAccessExporter interface. RAM is
// coherent; there is no cache maintenance to do.
func (m *Memory) BeginCPUAccess(ctx context.Context, b *dmabuf.Buffer, dir dmabuf.Direction) error {
	return nil
}

// EndCPUAccess implements the dmabuf.CPUAccessExporter interface
func (m *Memory) EndCPUAccess(b *dmabuf.Buffer, dir dmabuf.Direction) error {
	return nil
}

// Release implements the dmabuf.Exporter interface
func (m *Memory) Release(b *dmabuf.Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
}

// Compile-time interface checks
var (
	_ dmabuf.Exporter          = (*Memory)(nil)
	_ dmabuf.AttachExporter    = (*Memory)(nil)
	_ dmabuf.DetachExporter    = (*Memory)(nil)
	_ dmabuf.PinExporter       = (*Memory)(nil)
	_ dmabuf.MmapExporter      = (*Memory)(nil)
	_ dmabuf.VmapExporter      = (*Memory)(nil)
	_ dmabuf.CPUAccessExporter = (*Memory)(nil)
)
