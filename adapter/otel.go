package adapter

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	dmabuf "github.com/behrlich/go-dmabuf"
)

// RegisterOTelMetrics registers observable instruments for the framework's
// state on the given meter. The callback walks the registry with the
// refcount-safe iterator, so observation is safe against concurrent buffer
// teardown. The returned registration stops observation when unregistered.
func RegisterOTelMetrics(meter metric.Meter) (metric.Registration, error) {
	buffers, err := meter.Int64ObservableGauge("dmabuf.buffers",
		metric.WithDescription("Number of live shared buffers."))
	if err != nil {
		return nil, err
	}
	bytes, err := meter.Int64ObservableGauge("dmabuf.bytes",
		metric.WithDescription("Total bytes held by live shared buffers."),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	exports, err := meter.Int64ObservableCounter("dmabuf.exports",
		metric.WithDescription("Buffers exported since start."))
	if err != nil {
		return nil, err
	}
	releases, err := meter.Int64ObservableCounter("dmabuf.releases",
		metric.WithDescription("Buffers released since start."))
	if err != nil {
		return nil, err
	}
	maps, err := meter.Int64ObservableCounter("dmabuf.maps",
		metric.WithDescription("Device mappings since start."))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var count, total uint64
		for b := dmabuf.IterBegin(); b != nil; b = dmabuf.IterNext(b) {
			count++
			total += b.Size()
		}
		o.ObserveInt64(buffers, int64(count))
		o.ObserveInt64(bytes, int64(total))

		s := dmabuf.FrameworkMetrics().Snapshot()
		o.ObserveInt64(exports, int64(s.Exports))
		o.ObserveInt64(releases, int64(s.Releases))
		o.ObserveInt64(maps, int64(s.Maps))
		return nil
	}, buffers, bytes, exports, releases, maps)
}
