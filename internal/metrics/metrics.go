// Package metrics exposes the Prometheus counters and gauges doorman
// publishes for each pool: connection occupancy, acquire/transaction
// latency, session pin events, backend resets, and prepared-statement
// cache effectiveness.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric doorman publishes, registered against its
// own prometheus.Registry so repeated New() calls (tests, config reload)
// never collide with the process-global default registry.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
	poolHealth         *prometheus.GaugeVec

	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec
	sessionPinsTotal    *prometheus.CounterVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec

	preparedCacheHits      *prometheus.CounterVec
	preparedCacheMisses    *prometheus.CounterVec
	preparedCacheEvictions *prometheus.CounterVec
	deferredBeginTotal     *prometheus.CounterVec
}

// New creates and registers every metric on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "doorman_connections_active",
				Help: "Backend connections currently attached to a client, per pool",
			},
			[]string{"pool"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "doorman_connections_idle",
				Help: "Backend connections sitting idle in the pool",
			},
			[]string{"pool"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "doorman_connections_total",
				Help: "Total backend connections open (active + idle), per pool",
			},
			[]string{"pool"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "doorman_connections_waiting",
				Help: "Client tasks currently blocked in get() waiting for a backend",
			},
			[]string{"pool"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_pool_exhausted_total",
				Help: "Times get() found the pool at max size and had to wait for a backend connection",
			},
			[]string{"pool"},
		),
		poolHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "doorman_pool_health",
				Help: "1 if the pool's most recent backend dial succeeded, 0 otherwise",
			},
			[]string{"pool"},
		),

		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_transactions_total",
				Help: "Completed client transactions, per pool",
			},
			[]string{"pool"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "doorman_transaction_duration_seconds",
				Help:    "Duration from backend acquire to release, per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"pool"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "doorman_acquire_duration_seconds",
				Help:    "Time spent waiting inside get() for a backend connection",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"pool"},
		),
		sessionPinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_session_pins_total",
				Help: "Session-pinning events that prevented returning a backend early",
			},
			[]string{"pool", "reason"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_backend_resets_total",
				Help: "Backend recycle() outcomes on return to the pool",
			},
			[]string{"pool", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction that forced a ROLLBACK recovery",
			},
			[]string{"pool"},
		),

		preparedCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_prepared_cache_hits_total",
				Help: "Parse messages served by an already-canonicalized cache entry",
			},
			[]string{"pool"},
		),
		preparedCacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_prepared_cache_misses_total",
				Help: "Parse messages that required a new canonical cache entry",
			},
			[]string{"pool"},
		),
		preparedCacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_prepared_cache_evictions_total",
				Help: "Canonical prepared-statement entries evicted under LRU pressure",
			},
			[]string{"pool"},
		),
		deferredBeginTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doorman_deferred_begin_total",
				Help: "BEGIN statements held client-side until the first real query",
			},
			[]string{"pool"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.poolHealth,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.sessionPinsTotal,
		c.backendResetsTotal,
		c.dirtyDisconnects,
		c.preparedCacheHits,
		c.preparedCacheMisses,
		c.preparedCacheEvictions,
		c.deferredBeginTotal,
	)

	return c
}

// UpdatePoolStats is the sole authority for the connection occupancy
// gauges of pool; each call replaces the previous values.
func (c *Collector) UpdatePoolStats(pool string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(pool).Set(float64(active))
	c.connectionsIdle.WithLabelValues(pool).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(pool).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(pool).Set(float64(waiting))
}

// PoolExhausted increments the exhaustion counter for pool.
func (c *Collector) PoolExhausted(pool string) {
	c.poolExhausted.WithLabelValues(pool).Inc()
}

// SetPoolHealth records whether pool's most recent dial attempt succeeded.
func (c *Collector) SetPoolHealth(pool string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.poolHealth.WithLabelValues(pool).Set(val)
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(pool string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(pool).Inc()
	c.transactionDuration.WithLabelValues(pool).Observe(d.Seconds())
}

// AcquireDuration observes time spent waiting inside get().
func (c *Collector) AcquireDuration(pool string, d time.Duration) {
	c.acquireDuration.WithLabelValues(pool).Observe(d.Seconds())
}

// SessionPinned increments the session pin counter with its reason.
func (c *Collector) SessionPinned(pool, reason string) {
	c.sessionPinsTotal.WithLabelValues(pool, reason).Inc()
}

// BackendReset records a recycle() outcome (success or failure).
func (c *Collector) BackendReset(pool string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(pool, status).Inc()
}

// DirtyDisconnect increments the dirty-disconnect counter for pool.
func (c *Collector) DirtyDisconnect(pool string) {
	c.dirtyDisconnects.WithLabelValues(pool).Inc()
}

// PreparedCacheHit/Miss/Eviction record prepared-statement cache activity.
func (c *Collector) PreparedCacheHit(pool string)  { c.preparedCacheHits.WithLabelValues(pool).Inc() }
func (c *Collector) PreparedCacheMiss(pool string) { c.preparedCacheMisses.WithLabelValues(pool).Inc() }
func (c *Collector) PreparedCacheEviction(pool string) {
	c.preparedCacheEvictions.WithLabelValues(pool).Inc()
}

// DeferredBegin increments the deferred-BEGIN counter for pool.
func (c *Collector) DeferredBegin(pool string) {
	c.deferredBeginTotal.WithLabelValues(pool).Inc()
}

// RemovePool deletes every metric series labeled with pool, used when a
// config reload drops a pool entirely.
func (c *Collector) RemovePool(pool string) {
	c.connectionsActive.DeleteLabelValues(pool)
	c.connectionsIdle.DeleteLabelValues(pool)
	c.connectionsTotal.DeleteLabelValues(pool)
	c.connectionsWaiting.DeleteLabelValues(pool)
	c.poolExhausted.DeleteLabelValues(pool)
	c.poolHealth.DeleteLabelValues(pool)
	c.transactionsTotal.DeleteLabelValues(pool)
	c.transactionDuration.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.sessionPinsTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.backendResetsTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.dirtyDisconnects.DeleteLabelValues(pool)
	c.preparedCacheHits.DeleteLabelValues(pool)
	c.preparedCacheMisses.DeleteLabelValues(pool)
	c.preparedCacheEvictions.DeleteLabelValues(pool)
	c.deferredBeginTotal.DeleteLabelValues(pool)
}
