package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all Prometheus metrics for the price oracle.
type Registry struct {
	// Resolver outcomes, labeled by terminal source (cache, store, upstream,
	// interpolated) or "miss".
	ResolveTotal    *prometheus.CounterVec
	ResolveDuration *prometheus.HistogramVec

	// Cache layer
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	CacheErrors prometheus.Counter

	// Upstream adapter, labeled by result (ok, no_data, transient)
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration prometheus.Histogram

	// Store writes dropped in degraded mode
	StoreWriteDrops prometheus.Counter

	// Queue and backfill
	QueueDepth        *prometheus.GaugeVec
	JobsProcessed     *prometheus.CounterVec
	BackfillPersisted prometheus.Counter
}

// NewRegistry creates the oracle metrics and registers them on reg. Passing
// prometheus.DefaultRegisterer wires the standard /metrics endpoint.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ResolveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceoracle_resolve_total",
				Help: "Price resolutions by terminal source",
			},
			[]string{"source"},
		),
		ResolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "priceoracle_resolve_duration_seconds",
				Help:    "End-to-end resolver latency",
				Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"source"},
		),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceoracle_cache_hits_total",
			Help: "Cache fingerprint hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceoracle_cache_misses_total",
			Help: "Cache fingerprint misses (including unavailability)",
		}),
		CacheErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceoracle_cache_errors_total",
			Help: "Cache operations that failed or timed out",
		}),
		UpstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceoracle_upstream_requests_total",
				Help: "Upstream spot price requests by result",
			},
			[]string{"result"},
		),
		UpstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "priceoracle_upstream_duration_seconds",
			Help:    "Upstream request latency",
			Buckets: prometheus.DefBuckets,
		}),
		StoreWriteDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceoracle_store_write_drops_total",
			Help: "Write-through inserts dropped because the store was unavailable",
		}),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "priceoracle_queue_depth",
				Help: "Queue depth by state",
			},
			[]string{"state"},
		),
		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priceoracle_jobs_processed_total",
				Help: "Backfill jobs by terminal state",
			},
			[]string{"state"},
		),
		BackfillPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceoracle_backfill_prices_persisted_total",
			Help: "Price points persisted by backfill runs",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.ResolveTotal, r.ResolveDuration,
			r.CacheHits, r.CacheMisses, r.CacheErrors,
			r.UpstreamRequests, r.UpstreamDuration,
			r.StoreWriteDrops,
			r.QueueDepth, r.JobsProcessed, r.BackfillPersisted,
		)
	}

	return r
}

// NewNop returns an unregistered metrics set for tests and tools.
func NewNop() *Registry {
	return NewRegistry(nil)
}
