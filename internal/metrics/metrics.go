// Package metrics exposes the chat core's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomchat",
		Name:      "ws_connections",
		Help:      "Currently open gateway connections.",
	})

	RoomWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomchat",
		Name:      "room_workers",
		Help:      "Rooms with a running worker.",
	})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomchat",
		Name:      "events_published_total",
		Help:      "Events fanned out to rooms, by event type.",
	}, []string{"type"})

	Deliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomchat",
		Name:      "outbox_enqueued_total",
		Help:      "Frames enqueued on connection outboxes.",
	})

	OutboxDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomchat",
		Name:      "outbox_dropped_total",
		Help:      "Oldest frames dropped because an outbox was full.",
	})

	ForcedDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomchat",
		Name:      "outbox_forced_disconnects_total",
		Help:      "Connections closed after repeated outbox saturation.",
	})

	StoreRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomchat",
		Name:      "store_retries_total",
		Help:      "Retried durable store operations, by operation.",
	}, []string{"op"})

	StoreFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "roomchat",
		Name:      "store_unavailable_total",
		Help:      "Operations that exhausted their retries.",
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		RoomWorkers,
		EventsPublished,
		Deliveries,
		OutboxDropped,
		ForcedDisconnects,
		StoreRetries,
		StoreFailures,
	)
}
