package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes engine counters to Prometheus. One collector serves all
// jobs; per-job breakdown lives in the state store.
type Collector struct {
	registry *prometheus.Registry

	objectsTotal    *prometheus.CounterVec
	bytesTotal      prometheus.Counter
	inflightWorkers prometheus.Gauge
	duration        prometheus.Histogram
}

// New creates a collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		objectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migrate_objects_total",
				Help: "Total number of objects processed",
			},
			[]string{"status"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_bytes_total",
				Help: "Total bytes migrated",
			},
		),
		inflightWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "migrate_inflight_workers",
				Help: "Number of workers currently transferring",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "migrate_object_duration_seconds",
				Help:    "Time taken to migrate an object",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	c.registry.MustRegister(c.objectsTotal, c.bytesTotal, c.inflightWorkers, c.duration)
	return c
}

// ObjectDone records one finished object outcome
func (c *Collector) ObjectDone(status string, bytes int64) {
	c.objectsTotal.WithLabelValues(status).Inc()
	if bytes > 0 {
		c.bytesTotal.Add(float64(bytes))
	}
}

// WorkerBusy marks a worker slot as transferring
func (c *Collector) WorkerBusy() {
	c.inflightWorkers.Inc()
}

// WorkerIdle releases a worker slot
func (c *Collector) WorkerIdle() {
	c.inflightWorkers.Dec()
}

// ObserveDuration records how long one object took
func (c *Collector) ObserveDuration(d time.Duration) {
	c.duration.Observe(d.Seconds())
}

// Handler returns the scrape handler for this collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
