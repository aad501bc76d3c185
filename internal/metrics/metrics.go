// Package metrics registers the Prometheus collectors backing /metrics,
// grounded on the teacher's monitoring packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector is the gateway's metrics registry. It satisfies
// broadcast.Metrics and supervisor.Metrics, and its Registry is served
// by the HTTP /metrics endpoint.
type Collector struct {
	Registry *prometheus.Registry

	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	MessagesPublished   *prometheus.CounterVec
	MessagesDelivered   *prometheus.CounterVec
	MessagesDeduped     *prometheus.CounterVec
}

// New builds and registers a fresh Collector.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sockets_connections_active",
			Help: "Currently attached connections on this worker.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sockets_connections_total",
			Help: "Connections accepted since start.",
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockets_connections_rejected_total",
			Help: "Connections rejected at accept time, by reason.",
		}, []string{"reason"}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockets_messages_published_total",
			Help: "Messages broadcast to a channel, by channel.",
		}, []string{"channel"}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockets_messages_delivered_total",
			Help: "Messages delivered to a connection sink, by channel.",
		}, []string{"channel"}),
		MessagesDeduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockets_messages_deduped_total",
			Help: "Messages suppressed by the dedup cache, by channel.",
		}, []string{"channel"}),
	}

	reg.MustRegister(
		c.ConnectionsActive,
		c.ConnectionsTotal,
		c.ConnectionsRejected,
		c.MessagesPublished,
		c.MessagesDelivered,
		c.MessagesDeduped,
	)
	return c
}

// MessagePublished implements broadcast.Metrics.
func (c *Collector) MessagePublished(channel string) { c.MessagesPublished.WithLabelValues(channel).Inc() }

// MessageDelivered implements broadcast.Metrics.
func (c *Collector) MessageDelivered(channel string) { c.MessagesDelivered.WithLabelValues(channel).Inc() }

// MessageDeduped implements broadcast.Metrics.
func (c *Collector) MessageDeduped(channel string) { c.MessagesDeduped.WithLabelValues(channel).Inc() }

// ConnectionAccepted records an accepted connection.
func (c *Collector) ConnectionAccepted() {
	c.ConnectionsTotal.Inc()
	c.ConnectionsActive.Inc()
}

// ConnectionClosed records a connection leaving the table.
func (c *Collector) ConnectionClosed() {
	c.ConnectionsActive.Dec()
}

// ConnectionRejected records a rejected accept attempt, by reason.
func (c *Collector) ConnectionRejected(reason string) {
	c.ConnectionsRejected.WithLabelValues(reason).Inc()
}
