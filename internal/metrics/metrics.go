// Package metrics holds the Prometheus collectors for the protocol engine.
// All methods are safe on a nil *Metrics so components can run without a
// registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zipbridge"

// Metrics contains the bridge collectors.
type Metrics struct {
	CommandsSubmitted *prometheus.CounterVec
	CommandsSent      *prometheus.CounterVec
	CommandsDropped   *prometheus.CounterVec
	Outcomes          *prometheus.CounterVec
	CommandLatency    *prometheus.HistogramVec
	QueueDepth        *prometheus.GaugeVec

	TransportState prometheus.Gauge
	SerialLines    *prometheus.CounterVec
	SerialBytes    *prometheus.CounterVec
	Reconnects     prometheus.Counter
	FirmwareResets prometheus.Counter

	WSClients prometheus.Gauge
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "submitted_total",
				Help:      "Commands accepted by the dispatcher",
			},
			[]string{"class"},
		),
		CommandsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "sent_total",
				Help:      "Commands written to the serial link",
			},
			[]string{"class"},
		),
		CommandsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "dropped_total",
				Help:      "Commands dropped before transmission",
			},
			[]string{"class", "reason"},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "matcher",
				Name:      "outcomes_total",
				Help:      "Terminal outcomes of tracked requests",
			},
			[]string{"outcome"},
		),
		CommandLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "matcher",
				Name:      "reply_seconds",
				Help:      "Time from transmission to firmware reply",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 3},
			},
			[]string{"kind"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Commands waiting for transmission",
			},
			[]string{"class"},
		),
		TransportState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "state",
			Help:      "Transport state (0=closed, 1=opening, 2=awaiting_boot, 3=handshaking, 4=ready, 5=degraded)",
		}),
		SerialLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "serial",
				Name:      "lines_total",
				Help:      "Lines received from the firmware by shape",
			},
			[]string{"kind"},
		),
		SerialBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "serial",
				Name:      "bytes_total",
				Help:      "Bytes moved over the serial link",
			},
			[]string{"dir"},
		),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "reconnects_total",
			Help:      "Serial reconnect attempts",
		}),
		FirmwareResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "firmware_resets_total",
			Help:      "Unexpected boot markers seen while ready",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "ws_clients",
			Help:      "Connected WebSocket clients",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CommandsSubmitted, m.CommandsSent, m.CommandsDropped,
			m.Outcomes, m.CommandLatency, m.QueueDepth,
			m.TransportState, m.SerialLines, m.SerialBytes,
			m.Reconnects, m.FirmwareResets, m.WSClients,
		)
	}
	return m
}

func (m *Metrics) Submitted(class string) {
	if m == nil {
		return
	}
	m.CommandsSubmitted.WithLabelValues(class).Inc()
}

func (m *Metrics) Sent(class string) {
	if m == nil {
		return
	}
	m.CommandsSent.WithLabelValues(class).Inc()
}

func (m *Metrics) Dropped(class, reason string) {
	if m == nil {
		return
	}
	m.CommandsDropped.WithLabelValues(class, reason).Inc()
}

// Outcome records a terminal request outcome and, for replies, its latency.
func (m *Metrics) Outcome(outcome, kind string, latency time.Duration) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(outcome).Inc()
	if latency > 0 {
		m.CommandLatency.WithLabelValues(kind).Observe(latency.Seconds())
	}
}

func (m *Metrics) SetQueueDepth(class string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(class).Set(float64(n))
}

func (m *Metrics) SetTransportState(state int) {
	if m == nil {
		return
	}
	m.TransportState.Set(float64(state))
}

func (m *Metrics) Line(kind string, n int) {
	if m == nil {
		return
	}
	m.SerialLines.WithLabelValues(kind).Inc()
	m.SerialBytes.WithLabelValues("rx").Add(float64(n))
}

func (m *Metrics) TxBytes(n int) {
	if m == nil {
		return
	}
	m.SerialBytes.WithLabelValues("tx").Add(float64(n))
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) FirmwareReset() {
	if m == nil {
		return
	}
	m.FirmwareResets.Inc()
}

func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(n))
}
