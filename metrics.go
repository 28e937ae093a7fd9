package dmabuf

import "sync/atomic"

// Metrics tracks framework-wide operation counters. All fields are updated
// atomically and are safe for concurrent access; a zero Metrics is ready to
// use.
type Metrics struct {
	Exports  atomic.Uint64
	Releases atomic.Uint64

	Attaches atomic.Uint64
	Detaches atomic.Uint64

	Maps   atomic.Uint64
	Unmaps atomic.Uint64
	Pins   atomic.Uint64
	Unpins atomic.Uint64

	VMaps atomic.Uint64

	CPUAccessBegins atomic.Uint64
	CPUAccessEnds   atomic.Uint64

	FenceExports atomic.Uint64
	FenceImports atomic.Uint64

	MoveNotifies atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of the counters, suitable for
// serialization or diffing.
type MetricsSnapshot struct {
	Exports  uint64 `json:"exports"`
	Releases uint64 `json:"releases"`

	Attaches uint64 `json:"attaches"`
	Detaches uint64 `json:"detaches"`

	Maps   uint64 `json:"maps"`
	Unmaps uint64 `json:"unmaps"`
	Pins   uint64 `json:"pins"`
	Unpins uint64 `json:"unpins"`

	VMaps uint64 `json:"vmaps"`

	CPUAccessBegins uint64 `json:"cpu_access_begins"`
	CPUAccessEnds   uint64 `json:"cpu_access_ends"`

	FenceExports uint64 `json:"fence_exports"`
	FenceImports uint64 `json:"fence_imports"`

	MoveNotifies uint64 `json:"move_notifies"`

	LiveBuffers uint64 `json:"live_buffers"`
}

// Snapshot returns a consistent-enough copy of the counters. Individual
// loads are atomic; the snapshot as a whole is not, which is fine for
// monitoring.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Exports:         m.Exports.Load(),
		Releases:        m.Releases.Load(),
		Attaches:        m.Attaches.Load(),
		Detaches:        m.Detaches.Load(),
		Maps:            m.Maps.Load(),
		Unmaps:          m.Unmaps.Load(),
		Pins:            m.Pins.Load(),
		Unpins:          m.Unpins.Load(),
		VMaps:           m.VMaps.Load(),
		CPUAccessBegins: m.CPUAccessBegins.Load(),
		CPUAccessEnds:   m.CPUAccessEnds.Load(),
		FenceExports:    m.FenceExports.Load(),
		FenceImports:    m.FenceImports.Load(),
		MoveNotifies:    m.MoveNotifies.Load(),
		LiveBuffers:     m.Exports.Load() - m.Releases.Load(),
	}
}

// Reset zeroes all counters. Intended for tests.
func (m *Metrics) Reset() {
	m.Exports.Store(0)
	m.Releases.Store(0)
	m.Attaches.Store(0)
	m.Detaches.Store(0)
	m.Maps.Store(0)
	m.Unmaps.Store(0)
	m.Pins.Store(0)
	m.Unpins.Store(0)
	m.VMaps.Store(0)
	m.CPUAccessBegins.Store(0)
	m.CPUAccessEnds.Store(0)
	m.FenceExports.Store(0)
	m.FenceImports.Store(0)
	m.MoveNotifies.Store(0)
}

var frameworkMetrics Metrics

// FrameworkMetrics returns the process-wide counters.
func FrameworkMetrics() *Metrics {
	return &frameworkMetrics
}
