// Package metrics registers the Prometheus collectors that expose
// allocator, topic, and retry-overlay internals for scraping, following
// the same package-level var + MustRegister + promhttp.Handler pattern
// the teacher's gateway uses for its own connection/message metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AllocUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "embedbus_alloc_used_bytes",
		Help: "Bytes currently allocated out of the fixed block-allocator arena.",
	})
	AllocPeakBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "embedbus_alloc_peak_bytes",
		Help: "High-water mark of allocator bytes in use since startup.",
	})
	AllocCapacityBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "embedbus_alloc_capacity_bytes",
		Help: "Total size of the block-allocator arena.",
	})

	TopicsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "embedbus_topics_active",
		Help: "Number of currently registered topics.",
	})
	SubscribersTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "embedbus_subscribers_total",
		Help: "Current subscriber count per topic.",
	}, []string{"topic"})

	MessagesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "embedbus_messages_published_total",
		Help: "Messages successfully enqueued per topic.",
	}, []string{"topic"})
	MessagesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "embedbus_messages_delivered_total",
		Help: "Messages fanned out to at least one subscriber per topic.",
	}, []string{"topic"})
	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "embedbus_messages_dropped_total",
		Help: "Messages dropped per topic, by reason (queue_full, ttl_expired).",
	}, []string{"topic", "reason"})

	PendingRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "embedbus_reliability_pending_records",
		Help: "Number of QoS>0 publishes currently awaiting acknowledgement.",
	})
	RetryAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "embedbus_reliability_retry_attempts_total",
		Help: "Total number of retry re-publishes performed by the overlay.",
	})
	RetryExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "embedbus_reliability_retry_expired_total",
		Help: "Total number of pending records that exhausted their retry ceiling.",
	})

	BridgeConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "embedbus_bridge_connected",
		Help: "1 if the external broker bridge is connected, 0 otherwise.",
	})

	HostCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "embedbus_host_cpu_percent",
		Help: "Sampled host/container CPU usage percentage.",
	})
	HostMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "embedbus_host_memory_bytes",
		Help: "Sampled host memory in use, in bytes.",
	})
)

// Register installs every collector with the default Prometheus
// registry. Call once at startup.
func Register() {
	prometheus.MustRegister(
		AllocUsedBytes, AllocPeakBytes, AllocCapacityBytes,
		TopicsActive, SubscribersTotal,
		MessagesPublished, MessagesDelivered, MessagesDropped,
		PendingRecords, RetryAttempts, RetryExpired,
		BridgeConnected,
		HostCPUPercent, HostMemoryBytes,
	)
}

// Handler returns the HTTP handler promhttp exposes for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
