// Package metrics defines Prometheus metrics for the relay, eagerly
// registered so every component can record against them without
// threading a registry through constructors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackendsByState tracks the number of backends per service in each
	// state (healthy, cooldown).
	BackendsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_backends_by_state",
		Help: "Number of backends per service by state",
	}, []string{"service", "state"})

	// DialAttemptsTotal counts every Dial/DialUDP call on a pool, however
	// many backends that call tries.
	DialAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dial_attempts_total",
		Help: "Total backend dial attempts",
	}, []string{"service"})

	// DialSuccessTotal counts successful dials.
	DialSuccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dial_success_total",
		Help: "Total successful backend dials",
	}, []string{"service"})

	// DialFailureTotal counts exhausted dial calls (AllBackendsFailed).
	DialFailureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dial_failure_total",
		Help: "Total dial calls where every backend failed",
	}, []string{"service"})

	// CooldownEnteredTotal counts second-strike cooldown transitions.
	CooldownEnteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_cooldown_entered_total",
		Help: "Total times a backend entered cooldown after a second consecutive failure",
	}, []string{"service", "backend"})

	// DNSCacheHitsTotal and DNSCacheMissesTotal track resolver cache
	// effectiveness.
	DNSCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dns_cache_hits_total",
		Help: "Total DNS resolutions served from cache",
	})
	DNSCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dns_cache_misses_total",
		Help: "Total DNS resolutions that required a system lookup",
	})

	// DNSRefreshFailuresTotal counts background refresher failures.
	DNSRefreshFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dns_refresh_failures_total",
		Help: "Total background DNS refresh failures",
	})

	// SessionsActive tracks active sessions per service and protocol.
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Number of active relay sessions",
	}, []string{"service", "protocol"})

	// BytesRelayedTotal tracks cumulative bytes relayed per direction.
	BytesRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bytes_relayed_total",
		Help: "Total bytes relayed",
	}, []string{"service", "protocol", "direction"})

	// DialDuration tracks how long successful dials took.
	DialDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_dial_duration_seconds",
		Help:    "Time to establish an upstream connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
	}, []string{"service"})
)
