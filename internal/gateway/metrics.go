package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	Reads           prometheus.Counter // needlestack_gateway_reads_total
	SimilarReads    prometheus.Counter // needlestack_gateway_similar_reads_total
	Writes          prometheus.Counter // needlestack_gateway_writes_total
	WriteBatches    prometheus.Counter // needlestack_gateway_write_batches_total
	Deletes         prometheus.Counter // needlestack_gateway_deletes_total
	PartialFailures prometheus.Counter // needlestack_gateway_partial_failures_total
	NearestFanouts  prometheus.Counter // needlestack_gateway_nearest_fanouts_total
	SyncFanouts     prometheus.Counter // needlestack_gateway_sync_fanouts_total
}

// InitMetrics initializes gateway metrics. Metrics are only registered
// once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			Reads: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_gateway_reads_total",
				Help: "Photo reads served",
			}),
			SimilarReads: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_gateway_similar_reads_total",
				Help: "Locality reads served",
			}),
			Writes: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_gateway_writes_total",
				Help: "Single-photo writes completed on all replicas",
			}),
			WriteBatches: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_gateway_write_batches_total",
				Help: "Batch writes completed on all replicas",
			}),
			Deletes: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_gateway_deletes_total",
				Help: "Photo deletes",
			}),
			PartialFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_gateway_partial_failures_total",
				Help: "Fan-outs where some replicas succeeded and some failed",
			}),
			NearestFanouts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_gateway_nearest_fanouts_total",
				Help: "Nearest-candidate fan-outs to directory replicas",
			}),
			SyncFanouts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_gateway_sync_fanouts_total",
				Help: "Placement sync fan-outs to directory replicas",
			}),
		}
	})
	return metricsInstance
}
