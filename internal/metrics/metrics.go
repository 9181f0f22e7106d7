// Package metrics records Prometheus collectors for the proxy core. It does
// not register an HTTP handler — scraping is the outer server's concern,
// out of scope for this binary — so this package only exposes a
// Registry for the embedder to mount wherever it serves /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every Prometheus collector the core updates. Call
// NewCollectors once at startup and thread the result to the pool, lease
// queue, child supervisor, and blob store constructors.
type Collectors struct {
	registry *prometheus.Registry

	leaseWaitMs       *prometheus.HistogramVec
	leasesGranted     *prometheus.CounterVec
	poolHealthy       *prometheus.GaugeVec
	poolQueueDepth    *prometheus.GaugeVec
	childCallDuration *prometheus.HistogramVec
	childCallsTotal   *prometheus.CounterVec
	childFailures     *prometheus.CounterVec
	blobBytesStored   prometheus.Gauge
	blobPutsTotal     prometheus.Counter
	blobSweptTotal    prometheus.Counter
	snapshotHits      prometheus.Counter
	snapshotMisses    prometheus.Counter
}

// NewCollectors constructs and registers every collector against a fresh
// Prometheus registry scoped to namespace (e.g. "pwproxy").
func NewCollectors(namespace string) *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),

		leaseWaitMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lease_wait_milliseconds",
			Help:      "Time spent waiting for a lease, by pool.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"pool"}),

		leasesGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_granted_total",
			Help:      "Total leases granted, by pool and hint kind (any/specific).",
		}, []string{"pool", "hint"}),

		poolHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_healthy_instances",
			Help:      "Current healthy (non-Failed, non-Stopped) instance count by pool.",
		}, []string{"pool"}),

		poolQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queue_depth",
			Help:      "Current number of goroutines waiting on a lease, by pool.",
		}, []string{"pool"}),

		childCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "child_call_milliseconds",
			Help:      "Duration of a JSON-RPC call to a child, by method.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 15000},
		}, []string{"method"}),

		childCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_calls_total",
			Help:      "Total JSON-RPC calls dispatched to children, by method and outcome.",
		}, []string{"method", "outcome"}),

		childFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_failures_total",
			Help:      "Total child transitions to Failed, by pool and cause.",
		}, []string{"pool", "cause"}),

		blobBytesStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blob_bytes_stored",
			Help:      "Approximate total bytes currently stored in the blob store.",
		}),

		blobPutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_puts_total",
			Help:      "Total successful blob store writes.",
		}),

		blobSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_swept_total",
			Help:      "Total blobs removed by the sweeper.",
		}),

		snapshotHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_hits_total",
			Help:      "Total snapshot-cache lookups that hit.",
		}),

		snapshotMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_misses_total",
			Help:      "Total snapshot-cache lookups that missed.",
		}),
	}

	c.registry.MustRegister(
		c.leaseWaitMs, c.leasesGranted, c.poolHealthy, c.poolQueueDepth,
		c.childCallDuration, c.childCallsTotal, c.childFailures,
		c.blobBytesStored, c.blobPutsTotal, c.blobSweptTotal,
		c.snapshotHits, c.snapshotMisses,
	)
	return c
}

// Registry exposes the underlying Prometheus registry so the embedder can
// mount a scrape handler wherever it runs its own transport.
func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

func (c *Collectors) ObserveLeaseWait(pool string, d time.Duration) {
	if c == nil {
		return
	}
	c.leaseWaitMs.WithLabelValues(pool).Observe(float64(d.Milliseconds()))
}

func (c *Collectors) IncLeaseGranted(pool, hint string) {
	if c == nil {
		return
	}
	c.leasesGranted.WithLabelValues(pool, hint).Inc()
}

func (c *Collectors) SetPoolHealthy(pool string, n int) {
	if c == nil {
		return
	}
	c.poolHealthy.WithLabelValues(pool).Set(float64(n))
}

func (c *Collectors) SetQueueDepth(pool string, n int) {
	if c == nil {
		return
	}
	c.poolQueueDepth.WithLabelValues(pool).Set(float64(n))
}

func (c *Collectors) ObserveChildCall(method, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.childCallDuration.WithLabelValues(method).Observe(float64(d.Milliseconds()))
	c.childCallsTotal.WithLabelValues(method, outcome).Inc()
}

func (c *Collectors) IncChildFailure(pool, cause string) {
	if c == nil {
		return
	}
	c.childFailures.WithLabelValues(pool, cause).Inc()
}

func (c *Collectors) SetBlobBytesStored(n int64) {
	if c == nil {
		return
	}
	c.blobBytesStored.Set(float64(n))
}

func (c *Collectors) IncBlobPut() {
	if c == nil {
		return
	}
	c.blobPutsTotal.Inc()
}

func (c *Collectors) AddBlobSwept(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.blobSweptTotal.Add(float64(n))
}

func (c *Collectors) IncSnapshotHit() {
	if c == nil {
		return
	}
	c.snapshotHits.Inc()
}

func (c *Collectors) IncSnapshotMiss() {
	if c == nil {
		return
	}
	c.snapshotMisses.Inc()
}
