// Package metrics holds the Prometheus collectors this proxy exposes on the
// admin API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "porter_sessions_created_total",
		Help: "Sessions opened per ingress path and routing strategy.",
	}, []string{"path", "strategy"})

	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "porter_sessions_closed_total",
		Help: "Sessions torn down per ingress path and reason.",
	}, []string{"path", "reason"})

	SessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "porter_sessions_rejected_total",
		Help: "Sessions rejected before a backend was dialed, by reason.",
	}, []string{"path", "reason"})

	DecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "porter_quic_decrypt_failures_total",
		Help: "QUIC Initial packets that failed AEAD decryption under both roles' keys.",
	})

	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "porter_active_sessions",
		Help: "Currently open relay sessions per ingress path.",
	}, []string{"path"})

	SessionLifetime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "porter_session_lifetime_seconds",
		Help:    "Session lifetime from creation to teardown.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"path"})

	PacketsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "porter_packets_relayed_total",
		Help: "Datagrams forwarded per ingress path and direction.",
	}, []string{"path", "direction"})
)
