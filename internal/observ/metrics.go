package observ

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Realtime plane
	ConnectionsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wirechat_connections_live",
			Help: "Currently registered WebSocket connections",
		},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_events_delivered_total",
			Help: "Outbound events accepted by a live transport",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_events_dropped_total",
			Help: "Outbound events dropped (target offline or send failed)",
		},
		[]string{"event"},
	)

	MessagesStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_messages_stored_total",
			Help: "Messages persisted",
		},
		[]string{"type"}, // "private" or "group"
	)

	// Membership cache
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_membership_cache_hits_total",
			Help: "Membership cache hits",
		},
		[]string{"scope"}, // "group" or "tenant"
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirechat_membership_cache_misses_total",
			Help: "Membership cache misses (fell through to the store)",
		},
		[]string{"scope"},
	)
)
