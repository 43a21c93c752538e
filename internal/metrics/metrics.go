// Package metrics exposes the hub's Prometheus instrumentation. All metrics
// register on the default registry; the gateway serves them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HubsActive is the number of live per-user hubs in this process.
	HubsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openclaw_hubs_active",
		Help: "Number of live per-user hubs",
	})

	// ClientSocketsActive is the number of attached client sockets.
	ClientSocketsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openclaw_client_sockets_active",
		Help: "Number of attached client WebSocket connections",
	})

	// PluginSocketsActive is the number of attached plugin sockets.
	PluginSocketsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openclaw_plugin_sockets_active",
		Help: "Number of attached plugin WebSocket connections",
	})

	// FramesRouted counts frames dispatched by the router, by origin.
	FramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openclaw_frames_routed_total",
		Help: "Frames dispatched by the hub router",
	}, []string{"origin", "type"})

	// FramesDropped counts frames dropped instead of delivered.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openclaw_frames_dropped_total",
		Help: "Frames dropped by reason (backpressure, state_conflict, no_plugin, unknown_type)",
	}, []string{"reason"})

	// StreamsActive is the number of open agent streams across all hubs.
	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openclaw_streams_active",
		Help: "Number of open agent streams",
	})

	// StreamStalls counts streams finalized by the stall timeout.
	StreamStalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openclaw_stream_stalls_total",
		Help: "Streams finalized with a synthetic terminal after the stall timeout",
	})

	// MessagesPersisted counts messages written to the store.
	MessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openclaw_messages_persisted_total",
		Help: "Chat messages persisted to the store",
	})

	// StoreRetries counts store writes that needed a retry.
	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openclaw_store_write_retries_total",
		Help: "Store writes retried after a transient failure",
	})

	// StorePoisoned counts store writes abandoned after exhausting retries.
	StorePoisoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openclaw_store_writes_poisoned_total",
		Help: "Store writes moved to the poison queue after exhausting retries",
	})

	// SocketsClosed counts socket closes by close code.
	SocketsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openclaw_sockets_closed_total",
		Help: "WebSocket closes by close code",
	}, []string{"code"})
)
