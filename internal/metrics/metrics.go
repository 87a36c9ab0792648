// Package metrics exposes sync engine counters in Prometheus format. All
// recording methods are safe to call on a nil *Collector, which records
// nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notesync"

// Collector holds the engine's metrics and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	StorageOps      *prometheus.CounterVec
	StorageDuration *prometheus.HistogramVec
	Reconciles      *prometheus.CounterVec
	Pruned          prometheus.Counter
	Conflicts       *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	BreakerState    *prometheus.GaugeVec
	MirrorWrites    *prometheus.CounterVec
	JobFailures     *prometheus.CounterVec
}

// New creates a collector on a fresh registry, including the Go runtime
// and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		StorageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Remote storage operations by backend, operation and outcome.",
		}, []string{"backend", "op", "status"}),
		StorageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Remote storage operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "op"}),
		Reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciles_total",
			Help:      "Reconcile passes by outcome.",
		}, []string{"status"}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_objects_total",
			Help:      "Orphan remote objects deleted by reconcile.",
		}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Write conflicts by source (api or mirror).",
		}, []string{"source"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_pending",
			Help:      "Pending jobs per account queue.",
		}, []string{"account"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_breaker_open",
			Help:      "1 when an account's storage circuit breaker is open.",
		}, []string{"account"}),
		MirrorWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_writes_total",
			Help:      "Local mirror writes by operation and outcome.",
		}, []string{"op", "status"}),
		JobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_job_failures_total",
			Help:      "Background sync jobs that returned an error, per account.",
		}, []string{"account"}),
	}

	c.registry.MustRegister(
		c.StorageOps,
		c.StorageDuration,
		c.Reconciles,
		c.Pruned,
		c.Conflicts,
		c.QueueDepth,
		c.BreakerState,
		c.MirrorWrites,
		c.JobFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveStorage records one remote storage call.
func (c *Collector) ObserveStorage(backend, op string, start time.Time, err error) {
	if c == nil {
		return
	}

	c.StorageOps.WithLabelValues(backend, op, status(err)).Inc()
	c.StorageDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// ObserveReconcile records the outcome of one reconcile pass.
func (c *Collector) ObserveReconcile(pruned int, err error) {
	if c == nil {
		return
	}

	c.Reconciles.WithLabelValues(status(err)).Inc()
	c.Pruned.Add(float64(pruned))
}

// Conflict records a conflict detected by source.
func (c *Collector) Conflict(source string) {
	if c == nil {
		return
	}

	c.Conflicts.WithLabelValues(source).Inc()
}

// SetQueueDepth records the pending job count of an account queue.
func (c *Collector) SetQueueDepth(account string, n int) {
	if c == nil {
		return
	}

	c.QueueDepth.WithLabelValues(account).Set(float64(n))
}

// SetBreakerOpen records whether an account's breaker is open.
func (c *Collector) SetBreakerOpen(account string, open bool) {
	if c == nil {
		return
	}

	v := 0.0
	if open {
		v = 1
	}

	c.BreakerState.WithLabelValues(account).Set(v)
}

// MirrorWrite records one local mirror operation.
func (c *Collector) MirrorWrite(op string, err error) {
	if c == nil {
		return
	}

	c.MirrorWrites.WithLabelValues(op, status(err)).Inc()
}

// JobFailed records a failed background job of an account.
func (c *Collector) JobFailed(account string) {
	if c == nil {
		return
	}

	c.JobFailures.WithLabelValues(account).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}
