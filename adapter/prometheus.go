// Package adapter bridges the framework's counters and registry into
// external observability systems.
package adapter

import (
	"github.com/prometheus/client_golang/prometheus"

	dmabuf "github.com/behrlich/go-dmabuf"
)

// PrometheusCollector exposes live-buffer state and operation counters as
// prometheus metrics. Live gauges are gathered with the refcount-safe
// registry iterator at scrape time, so a scrape racing buffer teardown is
// safe.
type PrometheusCollector struct {
	buffers *prometheus.Desc
	bytes   *prometheus.Desc

	exports  *prometheus.Desc
	releases *prometheus.Desc
	attaches *prometheus.Desc
	maps     *prometheus.Desc
	cpuSyncs *prometheus.Desc
	fences   *prometheus.Desc
}

// NewPrometheusCollector creates a collector over the framework-wide state.
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		buffers: prometheus.NewDesc("dmabuf_buffers",
			"Number of live shared buffers.", nil, nil),
		bytes: prometheus.NewDesc("dmabuf_bytes",
			"Total bytes held by live shared buffers.", nil, nil),
		exports: prometheus.NewDesc("dmabuf_exports_total",
			"Buffers exported since start.", nil, nil),
		releases: prometheus.NewDesc("dmabuf_releases_total",
			"Buffers released since start.", nil, nil),
		attaches: prometheus.NewDesc("dmabuf_attaches_total",
			"Device attachments since start.", nil, nil),
		maps: prometheus.NewDesc("dmabuf_maps_total",
			"Device mappings since start.", nil, nil),
		cpuSyncs: prometheus.NewDesc("dmabuf_cpu_access_total",
			"CPU access brackets opened since start.", nil, nil),
		fences: prometheus.NewDesc("dmabuf_fence_interop_total",
			"Sync-file exports and imports since start.", []string{"kind"}, nil),
	}
}

// Describe implements the prometheus.Collector interface
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.buffers
	ch <- c.bytes
	ch <- c.exports
	ch <- c.releases
	ch <- c.attaches
	ch <- c.maps
	ch <- c.cpuSyncs
	ch <- c.fences
}

// Collect implements the prometheus.Collector interface
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	var count, bytes uint64
	for b := dmabuf.IterBegin(); b != nil; b = dmabuf.IterNext(b) {
		count++
		bytes += b.Size()
	}
	ch <- prometheus.MustNewConstMetric(c.buffers, prometheus.GaugeValue, float64(count))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(bytes))

	s := dmabuf.FrameworkMetrics().Snapshot()
	ch <- prometheus.MustNewConstMetric(c.exports, prometheus.CounterValue, float64(s.Exports))
	ch <- prometheus.MustNewConstMetric(c.releases, prometheus.CounterValue, float64(s.Releases))
	ch <- prometheus.MustNewConstMetric(c.attaches, prometheus.CounterValue, float64(s.Attaches))
	ch <- prometheus.MustNewConstMetric(c.maps, prometheus.CounterValue, float64(s.Maps))
	ch <- prometheus.MustNewConstMetric(c.cpuSyncs, prometheus.CounterValue, float64(s.CPUAccessBegins))
	ch <- prometheus.MustNewConstMetric(c.fences, prometheus.CounterValue, float64(s.FenceExports), "export")
	ch <- prometheus.MustNewConstMetric(c.fences, prometheus.CounterValue, float64(s.FenceImports), "import")
}

// Compile-time interface check
var _ prometheus.Collector = (*PrometheusCollector)(nil)
