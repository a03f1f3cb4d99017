package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds all Prometheus metrics for a cache shard.
type Metrics struct {
	Hits          prometheus.Counter // needlestack_cache_hits_total
	Misses        prometheus.Counter // needlestack_cache_misses_total
	Fills         prometheus.Counter // needlestack_cache_fills_total
	Invalidations prometheus.Counter // needlestack_cache_invalidations_total
	StoreFetches  prometheus.Counter // needlestack_cache_store_fetches_total
	DeleteFanouts prometheus.Counter // needlestack_cache_delete_fanouts_total
}

// InitMetrics initializes cache metrics. Metrics are only registered once;
// subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			Hits: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_cache_hits_total",
				Help: "Reads served from the cache",
			}),
			Misses: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_cache_misses_total",
				Help: "Reads that missed the cache",
			}),
			Fills: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_cache_fills_total",
				Help: "Entries filled after a store fetch",
			}),
			Invalidations: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_cache_invalidations_total",
				Help: "Entries dropped on photo delete",
			}),
			StoreFetches: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_cache_store_fetches_total",
				Help: "Fetch-through requests sent to store machines",
			}),
			DeleteFanouts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_cache_delete_fanouts_total",
				Help: "Delete fan-outs forwarded to store machines",
			}),
		}
	})
	return metricsInstance
}
