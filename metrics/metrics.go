// Package metrics instruments tcpshm connections and servers with
// Prometheus collectors: queue depth, bytes sent/received,
// reconnects, heartbeats, and live connection counts per group. This
// is additive instrumentation, not part of the wire protocol.
//
// Grounded on runZeroInc-sockstats/pkg/exporter, which instruments raw
// TCP connections with github.com/prometheus/client_golang; that
// package builds a custom prometheus.Collector keyed by connection,
// which fits polling live OS socket stats. Our counters are simpler
// event counts driven from inside the protocol's own callbacks, so a
// plain CounterVec/GaugeVec registered once at startup is the better
// fit here.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles every collector the server and client register.
type Set struct {
	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec
	Heartbeats    *prometheus.CounterVec
	Reconnects    *prometheus.CounterVec
	Disconnects   *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec
	LiveConns     *prometheus.GaugeVec
}

// New creates a Set with the given namespace and registers it with
// reg. Pass prometheus.DefaultRegisterer to use the global registry.
func New(namespace string, reg prometheus.Registerer) *Set {
	s := &Set{
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to peer sockets.",
		}, []string{"peer"}),
		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read from peer sockets.",
		}, []string{"peer"}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat frames sent.",
		}, []string{"peer"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Successful reconnect logins.",
		}, []string{"peer"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Connection close events, labeled by reason.",
		}, []string{"peer", "reason"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth_cells",
			Help:      "Unacked cells pending in a PTCP or SHM queue.",
		}, []string{"peer", "channel"}),
		LiveConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Live connection count per group.",
		}, []string{"group", "channel"}),
	}
	reg.MustRegister(
		s.BytesSent, s.BytesReceived, s.Heartbeats,
		s.Reconnects, s.Disconnects, s.QueueDepth, s.LiveConns,
	)
	return s
}
