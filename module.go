package dmabuf

import "sync/atomic"

// Module represents the code module that backs an exporter. A buffer holds a
// reference on its owning module for its whole life so the module cannot
// unload while buffers it exported are still live.
type Module struct {
	name      string
	refs      atomic.Int64
	unloading atomic.Bool
}

// NewModule creates a module owner with the given name.
func NewModule(name string) *Module {
	return &Module{name: name}
}

// Name returns the module's name.
func (m *Module) Name() string {
	if m == nil {
		return ""
	}
	return m.name
}

// TryGet takes a module reference. It fails once unloading has begun.
func (m *Module) TryGet() bool {
	if m == nil {
		return true
	}
	if m.unloading.Load() {
		return false
	}
	m.refs.Add(1)
	// Unloading may have started between the check and the increment; back
	// out so the unloader does not wait on us.
	if m.unloading.Load() {
		m.refs.Add(-1)
		return false
	}
	return true
}

// Put drops a module reference.
func (m *Module) Put() {
	if m == nil {
		return
	}
	if m.refs.Add(-1) < 0 {
		panic("dmabuf: module reference underflow")
	}
}

// Refs returns the current reference count.
func (m *Module) Refs() int64 {
	if m == nil {
		return 0
	}
	return m.refs.Load()
}

// SetUnloading marks the module as unloading; subsequent TryGet calls fail.
func (m *Module) SetUnloading() {
	if m != nil {
		m.unloading.Store(true)
	}
}
