package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts billing webhook deliveries by event type and outcome.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patapim",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Billing webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "patapim",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// StoreOperations counts key-value operations by backend, op and result.
	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patapim",
		Subsystem: "kv",
		Name:      "operations_total",
		Help:      "Key-value store operations by backend, operation and result.",
	}, []string{"backend", "op", "result"})

	// StoreLatency tracks key-value operation latency.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "patapim",
		Subsystem: "kv",
		Name:      "operation_duration_seconds",
		Help:      "Key-value operation duration in seconds.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"backend", "op"})

	// TokensTotal counts one-time token issue/consume outcomes per namespace.
	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patapim",
		Subsystem: "tokens",
		Name:      "operations_total",
		Help:      "One-time token operations by namespace, operation and result.",
	}, []string{"namespace", "op", "result"})

	// LicenseMutations counts license writes by cause.
	LicenseMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patapim",
		Subsystem: "license",
		Name:      "mutations_total",
		Help:      "License record writes by cause and result.",
	}, []string{"cause", "result"})

	// ReferralActivations counts activation outcomes.
	ReferralActivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patapim",
		Subsystem: "referral",
		Name:      "activations_total",
		Help:      "Referral activation attempts by outcome.",
	}, []string{"outcome"})

	// RewardsGranted counts lifetime licenses minted by the referral program.
	RewardsGranted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "patapim",
		Subsystem: "referral",
		Name:      "rewards_granted_total",
		Help:      "Lifetime licenses granted as referral rewards.",
	})

	// DeviceProbes counts tunnel probe results.
	DeviceProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patapim",
		Subsystem: "devices",
		Name:      "probes_total",
		Help:      "Tunnel liveness probes by result.",
	}, []string{"result"})

	// DeviceHeartbeats counts heartbeats by whether they caused a write.
	DeviceHeartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patapim",
		Subsystem: "devices",
		Name:      "heartbeats_total",
		Help:      "Device heartbeats by write decision.",
	}, []string{"decision"})

	// DevicesEvicted counts stale devices removed during listing.
	DevicesEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "patapim",
		Subsystem: "devices",
		Name:      "evicted_total",
		Help:      "Devices evicted for staleness.",
	})

	// HTTPRequests counts API requests by route and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patapim",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})

	// HTTPDuration tracks API latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "patapim",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	// Downloads counts artifact downloads by kind.
	Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "patapim",
		Subsystem: "releases",
		Name:      "downloads_total",
		Help:      "Release artifact downloads by kind.",
	}, []string{"kind"})

	// WebsocketClients tracks open dashboard connections.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "patapim",
		Subsystem: "ws",
		Name:      "clients",
		Help:      "Open websocket dashboard connections.",
	})
)

// Result labels a boolean outcome
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
