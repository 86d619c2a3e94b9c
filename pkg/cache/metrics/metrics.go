// Package metrics exposes Prometheus collectors for the caching front.
//
// Every Collector owns its registry so several instances (tests, reloads) never
// collide on registration:
//   - fetches: sitecache_fetch_total{strategy,source}, sitecache_fetch_duration_seconds{strategy}
//   - cache writes: sitecache_cache_writes_total{outcome}
//   - sync queue: sitecache_sync_tasks_total{tag,outcome}, sitecache_sync_pending{tag}
//   - cleaner: sitecache_cleaner_freed_bytes_total, sitecache_cleaner_runs_total{reason,outcome}
//   - lifecycle: sitecache_lifecycle_events_total{event,outcome}
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sitecache"

// Collector records caching telemetry.
type Collector struct {
	registry *prometheus.Registry

	FetchTotal        *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
	CacheWrites       *prometheus.CounterVec
	SyncTasks         *prometheus.CounterVec
	SyncPending       *prometheus.GaugeVec
	CleanerFreedBytes prometheus.Counter
	CleanerRuns       *prometheus.CounterVec
	LifecycleEvents   *prometheus.CounterVec
}

// New builds a collector with process and Go runtime collectors attached.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Intercepted fetches by strategy and response source.",
		}, []string{"strategy", "source"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time to produce a response for an intercepted fetch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"strategy"}),
		CacheWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache writes by outcome (ok, quota, error).",
		}, []string{"outcome"}),
		SyncTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "tasks_total",
			Help:      "Background sync task events by tag and outcome.",
		}, []string{"tag", "outcome"}),
		SyncPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pending",
			Help:      "Tasks waiting per tag.",
		}, []string{"tag"}),
		CleanerFreedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleaner",
			Name:      "freed_bytes_total",
			Help:      "Bytes reclaimed by the cleaner.",
		}),
		CleanerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleaner",
			Name:      "runs_total",
			Help:      "Cleaner runs by trigger reason and outcome.",
		}, []string{"reason", "outcome"}),
		LifecycleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "events_total",
			Help:      "Install and activate events by outcome.",
		}, []string{"event", "outcome"}),
	}
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordFetch counts an intercepted fetch.
func (c *Collector) RecordFetch(strategy, source string, took time.Duration) {
	c.FetchTotal.WithLabelValues(strategy, source).Inc()
	c.FetchDuration.WithLabelValues(strategy).Observe(took.Seconds())
}

// RecordCacheWrite counts a cache write outcome.
func (c *Collector) RecordCacheWrite(outcome string) {
	c.CacheWrites.WithLabelValues(outcome).Inc()
}

// RecordLifecycle counts an install or activate outcome.
func (c *Collector) RecordLifecycle(event, outcome string) {
	c.LifecycleEvents.WithLabelValues(event, outcome).Inc()
}

// RecordCleanerRun counts a cleaner run.
func (c *Collector) RecordCleanerRun(reason string, freed int64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.CleanerRuns.WithLabelValues(reason, outcome).Inc()
	if freed > 0 {
		c.CleanerFreedBytes.Add(float64(freed))
	}
}

// RecordQueued implements syncqueue.Metrics.
func (c *Collector) RecordQueued(tag string) {
	c.SyncTasks.WithLabelValues(tag, "queued").Inc()
}

// RecordSucceeded implements syncqueue.Metrics.
func (c *Collector) RecordSucceeded(tag string) {
	c.SyncTasks.WithLabelValues(tag, "succeeded").Inc()
}

// RecordFailed implements syncqueue.Metrics.
func (c *Collector) RecordFailed(tag string, reason string) {
	c.SyncTasks.WithLabelValues(tag, "failed_"+reason).Inc()
}

// SetPending implements syncqueue.Metrics.
func (c *Collector) SetPending(tag string, n int) {
	c.SyncPending.WithLabelValues(tag).Set(float64(n))
}
