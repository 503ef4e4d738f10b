// Package metrics holds the Prometheus instruments of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relay"

// Drop reasons.
const (
	ReasonNotFound = "not_found"
	ReasonTimeout  = "timeout"
	ReasonClosed   = "closed"
	ReasonError    = "error"
	ReasonRejected = "rejected"
	ReasonLimited  = "rate_limited"
)

type Metrics struct {
	Sessions   prometheus.Gauge
	Routed     *prometheus.CounterVec
	Delivered  prometheus.Counter
	Dropped    *prometheus.CounterVec
	Malformed  prometheus.Counter
	Superseded prometheus.Counter
}

// New creates the instruments and registers them with reg.
// A nil reg leaves them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of users currently registered.",
		}),
		Routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routed_messages_total",
			Help:      "Inbound messages accepted by the router, by type.",
		}, []string{"type"}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_messages_total",
			Help:      "Messages enqueued to a recipient session.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Messages that were not delivered, by reason.",
		}, []string{"reason"}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames that failed to decode.",
		}),
		Superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "superseded_sessions_total",
			Help:      "Sessions replaced by a newer connection of the same user.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Sessions, m.Routed, m.Delivered, m.Dropped, m.Malformed, m.Superseded)
	}
	return m
}
