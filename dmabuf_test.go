package dmabuf

import (
	"errors"
	"strings"
	"testing"
)

func TestExportValidation(t *testing.T) {
	if _, err := Export(ExportInfo{Exporter: nil, Size: PageSize}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil exporter: got %v, want invalid argument", err)
	}

	if _, err := Export(ExportInfo{Exporter: NewMockExporter(PageSize), Size: 0}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero size: got %v, want invalid argument", err)
	}
}

func TestExportUnloadingModule(t *testing.T) {
	mod := NewModule("test-exporter")
	mod.SetUnloading()

	_, err := Export(ExportInfo{Exporter: NewMockExporter(PageSize), Size: PageSize, Owner: mod})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unloading module: got %v, want not found", err)
	}
	if mod.Refs() != 0 {
		t.Errorf("failed export leaked a module reference: refs=%d", mod.Refs())
	}
}

func TestExportReleaseCycle(t *testing.T) {
	mod := NewModule("test-exporter")
	exp := NewMockExporter(PageSize)

	b, err := Export(ExportInfo{Exporter: exp, Size: PageSize, Name: "mock", Owner: mod})
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	if b.Size() != PageSize {
		t.Errorf("size: got %d, want %d", b.Size(), PageSize)
	}
	if b.Refs() != 1 {
		t.Errorf("fresh buffer refs: got %d, want 1", b.Refs())
	}
	if mod.Refs() != 1 {
		t.Errorf("module refs while buffer live: got %d, want 1", mod.Refs())
	}
	if b.Resv() == nil {
		t.Fatal("buffer has no reservation object")
	}

	b.Get()
	b.Put()
	if exp.Released() {
		t.Fatal("released while a reference remained")
	}

	b.Put()
	if !exp.Released() {
		t.Fatal("release hook did not run at refcount zero")
	}
	if mod.Refs() != 0 {
		t.Errorf("module refs after teardown: got %d, want 0", mod.Refs())
	}
}

func TestSetName(t *testing.T) {
	b := mustExport(t, PageSize)
	defer b.Put()

	if b.Name() != "" {
		t.Errorf("fresh buffer has name %q", b.Name())
	}
	if err := b.SetName("scanout"); err != nil {
		t.Fatalf("set name: %v", err)
	}
	if b.Name() != "scanout" {
		t.Errorf("name: got %q, want %q", b.Name(), "scanout")
	}

	long := strings.Repeat("x", MaxNameLen+1)
	if err := b.SetName(long); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("oversized name: got %v, want invalid argument", err)
	}
}

func TestVMapCache(t *testing.T) {
	exp := NewMockExporter(PageSize)
	b := mustExportWith(t, exp, PageSize)
	defer b.Put()

	m1, err := b.VMapUnlocked()
	if err != nil {
		t.Fatalf("vmap: %v", err)
	}
	m2, err := b.VMapUnlocked()
	if err != nil {
		t.Fatalf("second vmap: %v", err)
	}
	if &m1[0] != &m2[0] {
		t.Fatal("second vmap did not return the cached mapping")
	}
	if exp.vmapCalls != 1 {
		t.Errorf("exporter vmap calls: got %d, want 1", exp.vmapCalls)
	}

	b.VUnmapUnlocked(m2)
	b.VUnmapUnlocked(m1)

	// The cache is empty again; a fresh vmap goes back to the exporter.
	if _, err := b.VMapUnlocked(); err != nil {
		t.Fatalf("vmap after drain: %v", err)
	}
	if exp.vmapCalls != 2 {
		t.Errorf("exporter vmap calls after drain: got %d, want 2", exp.vmapCalls)
	}
	b.VUnmapUnlocked(exp.Data())
}

func TestVMapUnsupported(t *testing.T) {
	b := mustExportWith(t, &minimalExporter{}, PageSize)
	defer b.Put()

	if _, err := b.VMapUnlocked(); !errors.Is(err, ErrUnsupported) {
		t.Errorf("vmap without capability: got %v, want unsupported", err)
	}
}

func TestVUnmapForeignPointerPanics(t *testing.T) {
	b := mustExport(t, PageSize)
	defer b.Put()

	m, err := b.VMapUnlocked()
	if err != nil {
		t.Fatalf("vmap: %v", err)
	}
	defer b.VUnmapUnlocked(m)

	defer func() {
		if recover() == nil {
			t.Fatal("vunmap of a foreign pointer did not panic")
		}
	}()
	b.VUnmapUnlocked(make([]byte, PageSize))
}

func TestTeardownWithLiveVMapPanics(t *testing.T) {
	b := mustExport(t, PageSize)
	if _, err := b.VMapUnlocked(); err != nil {
		t.Fatalf("vmap: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("teardown with a live vmap did not panic")
		}
	}()
	b.Put()
}

// Scenario: a minimal exporter with only the mandatory capabilities carries
// a buffer through a full attach/map/unmap/detach/release cycle.
func TestMinimalExporterFullCycle(t *testing.T) {
	exp := &minimalExporter{}
	b := mustExportWith(t, exp, PageSize)

	att, err := Attach(b, DeviceName("dev0"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	sgl, err := att.MapUnlocked(DirBidirectional)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(sgl.Ranges) != 1 || sgl.Ranges[0].Addr != 0 || sgl.Ranges[0].Len != PageSize {
		t.Fatalf("mapping: got %+v, want one range [0,%d)", sgl.Ranges, PageSize)
	}

	att.UnmapUnlocked(sgl, DirBidirectional)
	att.Detach()
	b.Put()

	if !exp.released {
		t.Fatal("final teardown did not run the release hook")
	}
}

func mustExport(t *testing.T, size uint64) *Buffer {
	t.Helper()
	return mustExportWith(t, NewMockExporter(size), size)
}

func mustExportWith(t *testing.T, exp Exporter, size uint64) *Buffer {
	t.Helper()
	b, err := Export(ExportInfo{Exporter: exp, Size: size, Name: "test"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	return b
}
