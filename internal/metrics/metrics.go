package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_decisions_total",
			Help: "Admission decisions by outcome, rejection reason and tier",
		},
		[]string{"outcome", "reason", "tier"}, // allow|reject
	)

	ConfigLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_config_lookups_total",
			Help: "Resolved limit config lookups against the in-process cache",
		},
		[]string{"result"}, // hit|miss
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_ratelimit_inflight",
			Help: "Admitted requests currently holding a concurrency slot",
		},
		[]string{"tier"},
	)

	KeyStoreLookupSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_keystore_lookup_seconds",
			Help:    "Latency of key record lookups on cache miss",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
	)

	KeysDeactivatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_keys_deactivated_total",
			Help: "Keys deactivated by the lifecycle manager",
		},
		[]string{"source"}, // sweep|revoke
	)

	SweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_lifecycle_sweeps_total",
			Help: "Expiry sweeps by result",
		},
		[]string{"result"}, // ok|error
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_published_total",
			Help: "Key lifecycle events published per sink",
		},
		[]string{"sink", "result"},
	)

	AuditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_audit_dropped_total",
			Help: "Decision log entries dropped because the buffer was full",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		DecisionsTotal,
		ConfigLookupsTotal,
		InFlight,
		KeyStoreLookupSeconds,
		KeysDeactivatedTotal,
		SweepsTotal,
		EventsPublishedTotal,
		AuditDroppedTotal,
	)
}
