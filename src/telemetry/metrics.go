// Package telemetry exposes Prometheus metrics about a Prism node.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "prism"

// Metrics holds the collectors of one node. Each node gets its own registry so
// that several nodes can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	EnvelopesReceived *prometheus.CounterVec
	EnvelopesSent     *prometheus.CounterVec
	Malformed         prometheus.Counter
	WriteFailures     prometheus.Counter
	Rebalances        prometheus.Counter
	Reconnects        *prometheus.CounterVec

	Children          prometheus.Gauge
	ConfirmedChildren prometheus.Gauge
	Attached          prometheus.Gauge
}

// NewMetrics creates and registers the collectors of a node.
func NewMetrics() *Metrics {
	startTime := time.Now()

	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		EnvelopesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_received_total",
				Help:      "Envelopes received, by kind.",
			},
			[]string{"kind"},
		),
		EnvelopesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_sent_total",
				Help:      "Envelopes written to connections, by kind.",
			},
			[]string{"kind"},
		),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Frames dropped because they could not be decoded.",
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Failed writes to a connection.",
		}),
		Rebalances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_total",
			Help:      "Joiners redirected because this node was at capacity.",
		}),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Parent dials after failover or rebalance, by result.",
			},
			[]string{"reason", "result"},
		),
		Children: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "children",
			Help:      "Current number of child connections.",
		}),
		ConfirmedChildren: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "confirmed_children",
			Help:      "Current number of children that completed the Port handshake.",
		}),
		Attached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attached",
			Help:      "1 when the node has a parent, 0 otherwise.",
		}),
	}

	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Node uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)

	m.Registry.MustRegister(
		m.EnvelopesReceived,
		m.EnvelopesSent,
		m.Malformed,
		m.WriteFailures,
		m.Rebalances,
		m.Reconnects,
		m.Children,
		m.ConfirmedChildren,
		m.Attached,
		uptime,
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
