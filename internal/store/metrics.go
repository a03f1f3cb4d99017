package store

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds all Prometheus metrics for the store engine.
type Metrics struct {
	Appends       prometheus.Counter // needlestack_store_appends_total
	Reads         prometheus.Counter // needlestack_store_reads_total
	SimilarReads  prometheus.Counter // needlestack_store_similar_reads_total
	Deletes       prometheus.Counter // needlestack_store_deletes_total
	BytesAppended prometheus.Counter // needlestack_store_bytes_appended_total
	BytesRead     prometheus.Counter // needlestack_store_bytes_read_total
	VolumesOpen   prometheus.Gauge   // needlestack_store_volumes_open
}

// InitMetrics initializes store metrics. Metrics are only registered once;
// subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			Appends: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_store_appends_total",
				Help: "Total needle appends",
			}),
			Reads: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_store_reads_total",
				Help: "Total successful needle reads",
			}),
			SimilarReads: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_store_similar_reads_total",
				Help: "Total successful similar-read operations",
			}),
			Deletes: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_store_deletes_total",
				Help: "Total needle soft deletes",
			}),
			BytesAppended: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_store_bytes_appended_total",
				Help: "Total payload bytes appended to volume logs",
			}),
			BytesRead: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_store_bytes_read_total",
				Help: "Total payload bytes served by reads",
			}),
			VolumesOpen: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "needlestack_store_volumes_open",
				Help: "Number of open physical volumes",
			}),
		}
	})
	return metricsInstance
}
