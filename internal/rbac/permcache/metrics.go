package permcache

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics observes cache behaviour. A nil *Metrics records nothing.
type Metrics struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	backendErrors *prometheus.CounterVec
	shared        prometheus.Counter
	invalidations prometheus.Counter
	resolve       *prometheus.HistogramVec
}

// NewMetrics registers the cache collectors. Collectors already registered on
// reg are reused so several caches can share one registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homecare_authz_cache_hits_total",
			Help: "Permission set cache hits.",
		}, []string{"context_type"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homecare_authz_cache_misses_total",
			Help: "Permission set cache misses.",
		}, []string{"context_type"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homecare_authz_cache_backend_errors_total",
			Help: "Cache backend failures that degraded to a direct resolve.",
		}, []string{"op"}),
		shared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homecare_authz_cache_shared_resolves_total",
			Help: "Callers served by another caller's in-flight resolve.",
		}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homecare_authz_cache_invalidations_total",
			Help: "Per-user cache invalidations.",
		}),
		resolve: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "homecare_authz_resolve_duration_seconds",
			Help:    "Duration of resolver calls behind the cache.",
			Buckets: prometheus.DefBuckets,
		}, []string{"context_type", "outcome"}),
	}
	var err error
	m.hits = register(reg, m.hits, &err)
	m.misses = register(reg, m.misses, &err)
	m.backendErrors = register(reg, m.backendErrors, &err)
	m.shared = register(reg, m.shared, &err)
	m.invalidations = register(reg, m.invalidations, &err)
	m.resolve = register(reg, m.resolve, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if *errp != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errp = err
	}
	return c
}

func (m *Metrics) hit(ct string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(ct).Inc()
}

func (m *Metrics) miss(ct string) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(ct).Inc()
}

func (m *Metrics) backendError(op string) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) sharedResolve() {
	if m == nil {
		return
	}
	m.shared.Inc()
}

func (m *Metrics) invalidated() {
	if m == nil {
		return
	}
	m.invalidations.Inc()
}

func (m *Metrics) observeResolve(ct string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.resolve.WithLabelValues(ct, outcome).Observe(d.Seconds())
}
