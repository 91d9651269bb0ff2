package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine-internal counters. Exposition is up to the embedding binary
// (cmd/chatsync mounts promhttp).
var (
	PushEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_push_events_total",
		Help: "Inbound push channel events by name.",
	}, []string{"event"})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_reconnects_total",
		Help: "Push channel reconnection attempts.",
	})

	StaleResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_stale_responses_total",
		Help: "History responses discarded by the request-token check.",
	})

	DedupedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_deduped_messages_total",
		Help: "Push echoes reconciled against optimistic sends.",
	})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_send_failures_total",
		Help: "Optimistic sends rolled back after a REST failure.",
	})

	OpsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_ops_dropped_total",
		Help: "Engine ops dropped because the op queue was full.",
	})

	OpQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_op_queue_depth",
		Help: "Current depth of the engine op queue.",
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_online_users",
		Help: "Users currently tracked as online.",
	})
)
