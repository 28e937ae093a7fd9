package dmabuf

import (
	"context"
	"sync"
)

// MockExporter provides a mock exporter for testing. It implements every
// optional capability interface, backs the buffer with a plain byte slice,
// and tracks hook invocations for verification.
type MockExporter struct {
	data []byte

	// AttachErr, when set, is returned from the attach hook. Useful for
	// exercising the exporter-declines-attachment path.
	AttachErr error

	// Method call tracking
	mu sync.Mutex

	attachCalls int
	detachCalls int
	mapCalls    int
	unmapCalls  int
	pinCount    int
	vmapCalls   int
	mmapCalls   int
	beginCalls  int
	endCalls    int
	released    bool
}

// NewMockExporter creates a mock exporter backing a buffer of the given size.
func NewMockExporter(size uint64) *MockExporter {
	return &MockExporter{data: make([]byte, size)}
}

// Data exposes the backing bytes for test assertions.
func (m *MockExporter) Data() []byte { return m.data }

// Attach implements the AttachExporter interface
func (m *MockExporter) Attach(b *Buffer, a *Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachCalls++
	return m.AttachErr
}

// Detach implements the DetachExporter interface
func (m *MockExporter) Detach(b *Buffer, a *Attachment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachCalls++
}

// Map implements the Exporter interface, reporting a single page-aligned
// range covering the whole buffer.
func (m *MockExporter) Map(a *Attachment, dir Direction) (*ScatterList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapCalls++
	return &ScatterList{Ranges: []Range{{Addr: 0, Len: PageAlign(uint64(len(m.data)))}}}, nil
}

// Unmap implements the Exporter interface
func (m *MockExporter) Unmap(a *Attachment, sgl *ScatterList, dir Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmapCalls++
}

// Pin implements the PinExporter interface
func (m *MockExporter) Pin(a *Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinCount++
	return nil
}

// Unpin implements the PinExporter interface. Unbalanced unpins are a caller
// bug and panic, mirroring how a real exporter's pin accounting would trip.
func (m *MockExporter) Unpin(a *Attachment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pinCount == 0 {
		panic("dmabuf: mock exporter unpinned below zero")
	}
	m.pinCount--
}

// VMap implements the VmapExporter interface
func (m *MockExporter) VMap(b *Buffer) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vmapCalls++
	return m.data, nil
}

// VUnmap implements the VmapExporter interface
func (m *MockExporter) VUnmap(b *Buffer, p []byte) {}

// Mmap implements the MmapExporter interface
func (m *MockExporter) Mmap(b *Buffer, offset, length uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mmapCalls++
	return m.data[offset : offset+length], nil
}

// BeginCPUAccess implements the CPUAccessExporter interface
func (m *MockExporter) BeginCPUAccess(ctx context.Context, b *Buffer, dir Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginCalls++
	return nil
}

// EndCPUAccess implements the CPUAccessExporter interface
func (m *MockExporter) EndCPUAccess(b *Buffer, dir Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endCalls++
	return nil
}

// Release implements the Exporter interface
func (m *MockExporter) Release(b *Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	m.data = nil
}

// Released reports whether the release hook has run.
func (m *MockExporter) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// PinCount returns the current pin balance.
func (m *MockExporter) PinCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinCount
}

// MapCalls returns how many times the map hook ran.
func (m *MockExporter) MapCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapCalls
}

// minimalExporter implements only the mandatory capability set. Attachments
// against it are never pin-on-map and vmap/mmap are unsupported.
type minimalExporter struct {
	released bool
}

func (e *minimalExporter) Map(a *Attachment, dir Direction) (*ScatterList, error) {
	size := a.Buffer().Size()
	return &ScatterList{Ranges: []Range{{Addr: 0, Len: PageAlign(size)}}}, nil
}

func (e *minimalExporter) Unmap(a *Attachment, sgl *ScatterList, dir Direction) {}

func (e *minimalExporter) Release(b *Buffer) { e.released = true }
