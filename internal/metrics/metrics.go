package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offlinekit"

// Collector owns every Prometheus metric exported by the data layer.
// All record methods are safe to call on a nil *Collector so components
// can run without metrics.
type Collector struct {
	registry *prometheus.Registry

	cacheOps       *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheBytes     prometheus.Gauge
	cacheItems     prometheus.Gauge

	batcherQueries  *prometheus.CounterVec
	batcherDepth    prometheus.Gauge
	batchDurations  prometheus.Histogram
	errorsClassified *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec

	syncRuns      *prometheus.CounterVec
	syncDurations prometheus.Histogram
	syncInterval  prometheus.Gauge
	syncPending   prometheus.Gauge

	eventsEmitted   *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec
	eventsPurged    prometheus.Counter
	eventQueue      prometheus.Gauge
	broadcasts      *prometheus.CounterVec
}

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// NewCollector creates a collector registered on its own registry,
// together with the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: reg,
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "operations_total",
			Help: "Cache operations by operation and result.",
		}, []string{"op", "result"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Cache entries removed by reason.",
		}, []string{"reason"}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "size_bytes",
			Help: "Stored cache size in bytes at the last scan.",
		}),
		cacheItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "items",
			Help: "Cache item count at the last scan.",
		}),
		batcherQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "batcher", Name: "queries_total",
			Help: "Batched queries by outcome.",
		}, []string{"result"}),
		batcherDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "batcher", Name: "queue_depth",
			Help: "Queries waiting for a batch.",
		}),
		batchDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "batcher", Name: "batch_duration_seconds",
			Help: "Wall time to settle one batch.", Buckets: DefaultBuckets,
		}),
		errorsClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "errors_total",
			Help: "Handled remote errors by class.",
		}, []string{"class"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "network", Name: "circuit_state",
			Help: "Circuit breaker state per operation key (0=closed, 1=open, 2=half_open).",
		}, []string{"key"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "runs_total",
			Help: "Sync cycles by outcome.",
		}, []string{"outcome"}),
		syncDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sync", Name: "duration_seconds",
			Help: "Sync cycle duration.", Buckets: DefaultBuckets,
		}),
		syncInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "interval_seconds",
			Help: "Currently scheduled sync interval.",
		}),
		syncPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "pending_operations",
			Help: "Pending local operations at the last poll.",
		}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "events_emitted_total",
			Help: "Events entering the queue by type and origin.",
		}, []string{"type", "origin"}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "deliveries_total",
			Help: "Subscriber callback invocations by mode.",
		}, []string{"mode"}),
		eventsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "events_purged_total",
			Help: "Queued events dropped for age.",
		}),
		eventQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "queue_depth",
			Help: "Events waiting to be dispatched.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "broadcasts_total",
			Help: "Peer broadcast messages by direction and result.",
		}, []string{"direction", "result"}),
	}

	reg.MustRegister(
		c.cacheOps, c.cacheEvictions, c.cacheBytes, c.cacheItems,
		c.batcherQueries, c.batcherDepth, c.batchDurations,
		c.errorsClassified, c.circuitState,
		c.syncRuns, c.syncDurations, c.syncInterval, c.syncPending,
		c.eventsEmitted, c.eventsDelivered, c.eventsPurged, c.eventQueue, c.broadcasts,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordCacheOperation records a cache get/set/delete outcome.
func (c *Collector) RecordCacheOperation(op, result string) {
	if c == nil {
		return
	}
	c.cacheOps.WithLabelValues(op, result).Inc()
}

// RecordCacheEvictions records n removed entries.
func (c *Collector) RecordCacheEvictions(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cacheEvictions.WithLabelValues(reason).Add(float64(n))
}

// SetCacheSize records the result of a cache scan.
func (c *Collector) SetCacheSize(bytes int64, items int) {
	if c == nil {
		return
	}
	c.cacheBytes.Set(float64(bytes))
	c.cacheItems.Set(float64(items))
}

// RecordQuery records a settled batched query.
func (c *Collector) RecordQuery(result string) {
	if c == nil {
		return
	}
	c.batcherQueries.WithLabelValues(result).Inc()
}

// SetQueueDepth records the batcher queue depth.
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.batcherDepth.Set(float64(n))
}

// ObserveBatch records how long one batch took to settle.
func (c *Collector) ObserveBatch(d time.Duration) {
	if c == nil {
		return
	}
	c.batchDurations.Observe(d.Seconds())
}

// RecordError records one classified remote error.
func (c *Collector) RecordError(class string) {
	if c == nil {
		return
	}
	c.errorsClassified.WithLabelValues(class).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state for an operation key.
func (c *Collector) SetCircuitBreakerState(key string, state int) {
	if c == nil {
		return
	}
	c.circuitState.WithLabelValues(key).Set(float64(state))
}

// DeleteCircuitBreakerState drops the series for a reset key.
func (c *Collector) DeleteCircuitBreakerState(key string) {
	if c == nil {
		return
	}
	c.circuitState.DeleteLabelValues(key)
}

// RecordSync records a sync cycle outcome and duration.
func (c *Collector) RecordSync(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.syncRuns.WithLabelValues(outcome).Inc()
	if d > 0 {
		c.syncDurations.Observe(d.Seconds())
	}
}

// SetSyncInterval records the scheduled interval.
func (c *Collector) SetSyncInterval(d time.Duration) {
	if c == nil {
		return
	}
	c.syncInterval.Set(d.Seconds())
}

// SetSyncPending records the pending operation count.
func (c *Collector) SetSyncPending(n int) {
	if c == nil {
		return
	}
	c.syncPending.Set(float64(n))
}

// RecordEvent records an event entering the queue. origin is "local" or "peer".
func (c *Collector) RecordEvent(eventType, origin string) {
	if c == nil {
		return
	}
	c.eventsEmitted.WithLabelValues(eventType, origin).Inc()
}

// RecordDelivery records a subscriber invocation. mode is "direct", "throttled" or "batch".
func (c *Collector) RecordDelivery(mode string) {
	if c == nil {
		return
	}
	c.eventsDelivered.WithLabelValues(mode).Inc()
}

// RecordPurged records events dropped for age.
func (c *Collector) RecordPurged(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.eventsPurged.Add(float64(n))
}

// SetEventQueueDepth records the event queue depth.
func (c *Collector) SetEventQueueDepth(n int) {
	if c == nil {
		return
	}
	c.eventQueue.Set(float64(n))
}

// RecordBroadcast records a peer message. direction is "out" or "in".
func (c *Collector) RecordBroadcast(direction, result string) {
	if c == nil {
		return
	}
	c.broadcasts.WithLabelValues(direction, result).Inc()
}
