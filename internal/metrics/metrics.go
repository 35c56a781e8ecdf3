// Package metrics exposes the keeper's Prometheus instrumentation. Each
// core component accepts a *Registry (nil-safe — every method tolerates a
// nil receiver) instead of importing prometheus directly, keeping the
// core packages free of an observability dependency while still letting
// the wiring in cmd/keeper register real collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the counters/histograms the keeper's components record
// into. A nil *Registry is valid and every method becomes a no-op, so
// tests can construct components without standing up a registry.
type Registry struct {
	rateLimiterRequests   *prometheus.CounterVec
	rateLimiterHits       *prometheus.CounterVec
	rateLimiterQueueWait  *prometheus.HistogramVec
	registryCollisions    *prometheus.CounterVec
	lockStaleEvictions    *prometheus.CounterVec
	executionSlices       *prometheus.CounterVec
	executionAborts       *prometheus.CounterVec
	executionImbalance    prometheus.Histogram
}

// New registers all collectors against reg and returns the Registry. Pass
// prometheus.NewRegistry() in production, or nil to disable metrics.
func New(reg prometheus.Registerer) *Registry {
	if reg == nil {
		return nil
	}
	m := &Registry{
		rateLimiterRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundingkeeper",
			Subsystem: "ratelimiter",
			Name:      "requests_admitted_total",
			Help:      "Requests admitted by the rate limiter, by venue and operation.",
		}, []string{"venue", "operation"}),
		rateLimiterHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundingkeeper",
			Subsystem: "ratelimiter",
			Name:      "hits_total",
			Help:      "Rate-limit-induced waits, by venue and priority.",
		}, []string{"venue", "priority"}),
		rateLimiterQueueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fundingkeeper",
			Subsystem: "ratelimiter",
			Name:      "queue_wait_seconds",
			Help:      "Observed wait time before admission, by venue.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"venue"}),
		registryCollisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundingkeeper",
			Subsystem: "registry",
			Name:      "order_collisions_total",
			Help:      "registerOrderPlacing calls rejected due to an existing non-stale entry.",
		}, []string{"venue", "symbol"}),
		lockStaleEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundingkeeper",
			Subsystem: "registry",
			Name:      "stale_lock_evictions_total",
			Help:      "Locks forcibly evicted for exceeding their staleness threshold.",
		}, []string{"kind"}),
		executionSlices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundingkeeper",
			Subsystem: "execution",
			Name:      "slices_total",
			Help:      "Slices processed, by outcome.",
		}, []string{"outcome"}),
		executionAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundingkeeper",
			Subsystem: "execution",
			Name:      "aborts_total",
			Help:      "Sliced executions aborted, by reason.",
		}, []string{"reason"}),
		executionImbalance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fundingkeeper",
			Subsystem: "execution",
			Name:      "slice_imbalance_fraction",
			Help:      "Per-slice |legAFilled - legBFilled| / sliceSize.",
			Buckets:   []float64{0.001, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
		}),
	}
	reg.MustRegister(
		m.rateLimiterRequests, m.rateLimiterHits, m.rateLimiterQueueWait,
		m.registryCollisions, m.lockStaleEvictions,
		m.executionSlices, m.executionAborts, m.executionImbalance,
	)
	return m
}

func (m *Registry) ObserveRateLimiterAdmitted(venue, operation string) {
	if m == nil {
		return
	}
	m.rateLimiterRequests.WithLabelValues(venue, operation).Inc()
}

func (m *Registry) ObserveRateLimiterHit(venue, priority string, waitSeconds float64) {
	if m == nil {
		return
	}
	m.rateLimiterHits.WithLabelValues(venue, priority).Inc()
	m.rateLimiterQueueWait.WithLabelValues(venue).Observe(waitSeconds)
}

func (m *Registry) ObserveOrderCollision(venue, symbol string) {
	if m == nil {
		return
	}
	m.registryCollisions.WithLabelValues(venue, symbol).Inc()
}

func (m *Registry) ObserveStaleLockEviction(kind string) {
	if m == nil {
		return
	}
	m.lockStaleEvictions.WithLabelValues(kind).Inc()
}

func (m *Registry) ObserveSlice(outcome string) {
	if m == nil {
		return
	}
	m.executionSlices.WithLabelValues(outcome).Inc()
}

func (m *Registry) ObserveExecutionAbort(reason string) {
	if m == nil {
		return
	}
	m.executionAborts.WithLabelValues(reason).Inc()
}

func (m *Registry) ObserveSliceImbalance(fraction float64) {
	if m == nil {
		return
	}
	m.executionImbalance.Observe(fraction)
}
