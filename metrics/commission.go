package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Commissions persisted for a conversion for the first time
	CommissionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "commissions_created_total",
		Help: "Total number of commissions created",
	})

	// Successful lifecycle transitions by operation (confirm, cancel, adjust, pay)
	CommissionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commission_transitions_total",
			Help: "Commission lifecycle operations by op",
		},
		[]string{"op"},
	)

	CommissionsAutoConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "commission_auto_confirmed_total",
		Help: "Commissions confirmed by the hold-period sweep",
	})

	NoMatchingPolicy = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "commission_no_matching_policy_total",
		Help: "Conversions for which no commission policy matched",
	})

	CreateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "commission_create_duration_seconds",
		Help:    "Latency of commission creation including policy matching",
		Buckets: prometheus.DefBuckets,
	})

	// Policy catalog lookups by result (hit, miss, error)
	PolicyCacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_cache_requests_total",
			Help: "Active policy cache lookups by result",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CommissionsCreated,
			CommissionTransitions,
			CommissionsAutoConfirmed,
			NoMatchingPolicy,
			CreateDuration,
			PolicyCacheRequests,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
