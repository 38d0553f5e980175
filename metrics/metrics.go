// Package metrics exposes the broker's Prometheus collectors. They register
// on the default registry and are served from /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsBroadcast counts events handed to the fan-out, per entity kind.
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spectralnotify_events_broadcast_total",
		Help: "Events broadcast to subscribers, by entity kind.",
	}, []string{"kind"})

	// Subscribers tracks currently attached WebSocket subscribers.
	Subscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spectralnotify_subscribers",
		Help: "Currently attached WebSocket subscribers, by entity kind.",
	}, []string{"kind"})

	// SubscriberEvictions counts subscribers dropped for backpressure.
	SubscriberEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spectralnotify_subscriber_evictions_total",
		Help: "Subscribers evicted because their send buffer overflowed.",
	}, []string{"kind"})

	// IdempotencyReplays counts write responses served from the idempotency
	// store instead of re-executing.
	IdempotencyReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spectralnotify_idempotency_replays_total",
		Help: "Write responses replayed from the idempotency store.",
	})
)
