// Package metrics declares the gateway's prometheus collectors. They are
// registered on the default registry and served by the admin server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PubSubPublished counts messages accepted by Publish per topic.
	PubSubPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talos_pubsub_published_total",
		Help: "Messages published per topic.",
	}, []string{"topic"})

	// PubSubDropped counts messages lost to subscriber buffer overflow.
	PubSubDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talos_pubsub_dropped_total",
		Help: "Messages dropped by overflow policy per topic.",
	}, []string{"topic"})

	// PollDuration observes one full monitor cycle.
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "talos_monitor_poll_seconds",
		Help:    "Duration of one device poll cycle.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// DeviceOnline tracks per-device online state (1 online, 0 offline).
	DeviceOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "talos_device_online",
		Help: "Whether the last snapshot for the device was online.",
	}, []string{"device"})

	// SenderPosts counts upstream POST outcomes.
	SenderPosts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talos_sender_posts_total",
		Help: "Upstream POST attempts by result.",
	}, []string{"result"})

	// OutboxPending is the number of payload files waiting in the outbox.
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "talos_outbox_pending_files",
		Help: "Payload files pending in the outbox directory.",
	})

	// ControlWrites counts Modbus writes performed by the executor.
	ControlWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talos_control_writes_total",
		Help: "Control writes by action type and result.",
	}, []string{"type", "result"})
)
