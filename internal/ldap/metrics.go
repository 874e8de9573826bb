package ldap

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the pool, the caches and directory searches.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	PoolConnections *prometheus.GaugeVec
	PoolCreated     prometheus.Counter
	PoolTimedOut    prometheus.Counter
	PoolExhausted   prometheus.Counter
	PoolRefreshes   prometheus.Counter
	PoolFailovers   prometheus.Counter
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	CacheEvictions  *prometheus.CounterVec
	SearchPages     prometheus.Counter
	SearchDuration  prometheus.Histogram
}

// NewMetrics creates the registry metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PoolConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ldapregistry_pool_connections",
			Help: "Connections currently held by the pool, by state",
		}, []string{"state"}),
		PoolCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ldapregistry_pool_connections_created_total",
			Help: "Total number of directory connections opened by the pool",
		}),
		PoolTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "ldapregistry_pool_connections_timed_out_total",
			Help: "Total number of pooled connections closed because they exceeded the pool timeout",
		}),
		PoolExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ldapregistry_pool_exhausted_total",
			Help: "Total number of borrows that gave up after the pool wait time",
		}),
		PoolRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "ldapregistry_pool_refreshes_total",
			Help: "Total number of pool refreshes",
		}),
		PoolFailovers: factory.NewCounter(prometheus.CounterOpts{
			Name: "ldapregistry_pool_failovers_total",
			Help: "Total number of switches to another directory server",
		}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapregistry_cache_hits_total",
			Help: "Cache hits by cache",
		}, []string{"cache"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapregistry_cache_misses_total",
			Help: "Cache misses by cache",
		}, []string{"cache"}),
		CacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapregistry_cache_evictions_total",
			Help: "Cache evictions by cache and reason",
		}, []string{"cache", "reason"}),
		SearchPages: factory.NewCounter(prometheus.CounterOpts{
			Name: "ldapregistry_search_pages_total",
			Help: "Total number of search result pages fetched",
		}),
		SearchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ldapregistry_search_duration_seconds",
			Help:    "Duration of directory searches including all pages",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
	}
}

func (m *Metrics) setPoolConnections(idle, inUse int) {
	if m == nil {
		return
	}
	m.PoolConnections.WithLabelValues("idle").Set(float64(idle))
	m.PoolConnections.WithLabelValues("in_use").Set(float64(inUse))
}

func (m *Metrics) incPoolCreated() {
	if m != nil {
		m.PoolCreated.Inc()
	}
}

func (m *Metrics) incPoolTimedOut() {
	if m != nil {
		m.PoolTimedOut.Inc()
	}
}

func (m *Metrics) incPoolExhausted() {
	if m != nil {
		m.PoolExhausted.Inc()
	}
}

func (m *Metrics) incPoolRefreshes() {
	if m != nil {
		m.PoolRefreshes.Inc()
	}
}

func (m *Metrics) incPoolFailovers() {
	if m != nil {
		m.PoolFailovers.Inc()
	}
}

func (m *Metrics) incCacheHit(kind CacheKind) {
	if m != nil {
		m.CacheHits.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) incCacheMiss(kind CacheKind) {
	if m != nil {
		m.CacheMisses.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) addCacheEvictions(kind CacheKind, reason string, n int) {
	if m != nil && n > 0 {
		m.CacheEvictions.WithLabelValues(kind.String(), reason).Add(float64(n))
	}
}

func (m *Metrics) incSearchPages() {
	if m != nil {
		m.SearchPages.Inc()
	}
}

// ObserveSearch records the duration of a search. Call with time.Now() at the start.
func (m *Metrics) ObserveSearch(start time.Time) {
	if m != nil {
		m.SearchDuration.Observe(time.Since(start).Seconds())
	}
}
