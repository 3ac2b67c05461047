package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TerminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodyline_terminations_total",
			Help: "Contracts terminated, by termination type and escrow action",
		},
		[]string{"type", "action"},
	)

	CustodianFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodyline_custodian_failures_total",
			Help: "Escrow custodian calls that failed, by route",
		},
		[]string{"route"},
	)

	RefundsSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodyline_refunds_settled_total",
			Help: "Escrow refunds confirmed by a custodian, by route",
		},
		[]string{"route"},
	)

	ClawbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "custodyline_clawbacks_total",
			Help: "Clawbacks executed",
		},
	)

	NotificationsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "custodyline_notifications_failed_total",
			Help: "Notifications that could not be delivered",
		},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custodyline_http_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TerminationsTotal)
		prometheus.MustRegister(CustodianFailuresTotal)
		prometheus.MustRegister(RefundsSettledTotal)
		prometheus.MustRegister(ClawbacksTotal)
		prometheus.MustRegister(NotificationsFailedTotal)
		prometheus.MustRegister(HTTPRequestDuration)
	})
}
