package directory

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds all Prometheus metrics for the directory service.
type Metrics struct {
	Placements    *prometheus.CounterVec // needlestack_directory_placements_total{regime}
	ReadRoutes    prometheus.Counter     // needlestack_directory_read_routes_total
	DeleteRoutes  prometheus.Counter     // needlestack_directory_delete_routes_total
	NearestCalls  prometheus.Counter     // needlestack_directory_nearest_queries_total
	SyncsApplied  prometheus.Counter     // needlestack_directory_syncs_applied_total
	PhotosTracked prometheus.Gauge       // needlestack_directory_photos_tracked
}

// InitMetrics initializes directory metrics. Metrics are only registered
// once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			Placements: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "needlestack_directory_placements_total",
				Help: "Total photo placements by regime",
			}, []string{"regime"}),
			ReadRoutes: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_directory_read_routes_total",
				Help: "Total read route resolutions",
			}),
			DeleteRoutes: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_directory_delete_routes_total",
				Help: "Total delete route resolutions",
			}),
			NearestCalls: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_directory_nearest_queries_total",
				Help: "Total nearest-neighbor queries answered",
			}),
			SyncsApplied: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "needlestack_directory_syncs_applied_total",
				Help: "Total volume assignments applied from other replicas",
			}),
			PhotosTracked: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "needlestack_directory_photos_tracked",
				Help: "Photos with a volume assignment on this replica",
			}),
		}
	})
	return metricsInstance
}
