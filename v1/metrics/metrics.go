package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquiredCounter tracks successful lock acquisitions.
	LockAcquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_lock_acquired_total",
		Help: "Total number of successful lock acquisitions",
	})
	// LockReleasedCounter tracks lock releases.
	LockReleasedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_lock_released_total",
		Help: "Total number of lock releases",
	})
	// BusPublishCounter tracks bus publishes.
	BusPublishCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_bus_publish_total",
		Help: "Total number of bus messages published",
	})
	// BusDeliveredCounter tracks bus messages delivered to subscribers.
	BusDeliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_bus_delivered_total",
		Help: "Total number of bus messages delivered to subscribers",
	})
	// QueueProducedCounter tracks produced queue messages.
	QueueProducedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_queue_produced_total",
		Help: "Total number of queue messages produced",
	})
	// QueueConsumedCounter tracks consumed queue messages, any outcome.
	QueueConsumedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_queue_consumed_total",
		Help: "Total number of queue messages consumed",
	})
	// QueueFailedCounter tracks queue messages whose consumer failed.
	QueueFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_queue_failed_total",
		Help: "Total number of queue messages that ended in failed state",
	})
	// CacheHitCounter tracks cache hits, local or remote.
	CacheHitCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_cache_hits_total",
		Help: "Total number of cache hits",
	})
	// CacheMissCounter tracks cache misses that ran the builder.
	CacheMissCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_cache_misses_total",
		Help: "Total number of cache misses",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the broker core metrics on the provided
// registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquiredCounter, LockReleasedCounter,
		BusPublishCounter, BusDeliveredCounter,
		QueueProducedCounter, QueueConsumedCounter, QueueFailedCounter,
		CacheHitCounter, CacheMissCounter,
	)
}
