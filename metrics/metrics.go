// Package metrics defines prometheus metric types for the bus server
// and client.
//
// When defining new operations or metrics, these are helpful values to track:
//   - things coming into or out of the system: connections, frames, messages.
//   - the success or error status of any of the above.
//   - the distribution of payload sizes and fan-out width.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesReceived counts whole messages read from peers, by command.
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagbus_messages_received_total",
			Help: "Messages received from bus peers, by command.",
		}, []string{"command"})

	// MessagesSent counts whole messages written to peers, by command.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagbus_messages_sent_total",
			Help: "Messages sent to bus peers, by command.",
		}, []string{"command"})

	// ErrorCount measures the number of errors, by kind.
	// Example usage:
	//   metrics.ErrorCount.WithLabelValues("unknown_tag").Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagbus_error_total",
			Help: "The total number of errors encountered, by kind.",
		}, []string{"kind"})

	// StaleDrops counts SET messages dropped for carrying a timestamp
	// older than the stored one.
	StaleDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagbus_stale_drop_total",
			Help: "SET messages dropped as stale.",
		})

	// FanoutCount counts SET messages forwarded to subscribers.
	FanoutCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagbus_fanout_total",
			Help: "SET messages forwarded to subscribers.",
		})

	// ConnectionCount tracks the number of live bus connections.
	ConnectionCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tagbus_connections",
			Help: "Open connections at the bus server.",
		})

	// TagCount tracks the number of tags the bus has ever learned.
	// Tags are never removed while the bus lives.
	TagCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tagbus_tags",
			Help: "Tags known to the bus server.",
		})

	// PayloadSizeHistogram tracks reassembled SET/RTA payload sizes.
	PayloadSizeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "tagbus_payload_size_bytes",
			Help: "Reassembled message payload size distribution.",
			Buckets: []float64{
				16, 64, 256, 1024, 4096, 16384, 65536,
				262144, 1048576, 4194304, 16777216,
			},
		})

	// ReconnectCount counts client redials after a broken connection.
	ReconnectCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagbus_reconnect_total",
			Help: "Bus client reconnect attempts.",
		})

	// CoalescedSets counts outbound SET messages replaced in the client
	// queue by a newer value for the same tag.
	CoalescedSets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagbus_coalesced_set_total",
			Help: "Outbound SET messages coalesced before transmission.",
		})
)
