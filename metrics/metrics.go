// Package metrics exports Prometheus counters for clients and servers.
//
// A nil *Collector is valid and records nothing, so instrumented code never
// checks whether metrics are enabled.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "domainrpc"

// Sides and directions used as label values.
const (
	SideClient = "client"
	SideServer = "server"

	DirectionIn  = "in"
	DirectionOut = "out"
)

// Call outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeNotFound = "not_found"
	OutcomeCanceled = "canceled"
	OutcomeClosed   = "closed"
)

type Collector struct {
	messages       *prometheus.CounterVec
	calls          *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	pending        prometheus.Gauge
	broadcast      prometheus.Counter
}

// New creates the collector and registers it with reg. A nil reg leaves the
// metrics unregistered, which is handy in tests.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Raw messages sent and received.",
		}, []string{"side", "direction"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Completed calls by outcome.",
		}, []string{"side", "outcome"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Malformed, unparsable or orphan messages.",
		}, []string{"side"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Client calls waiting for a response.",
		}),
		broadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_recipients_total",
			Help:      "Sockets a broadcast notification was sent to.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.messages, c.calls, c.protocolErrors, c.pending, c.broadcast)
	}
	return c
}

func (c *Collector) Message(side, direction string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(side, direction).Inc()
}

func (c *Collector) Call(side, outcome string) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(side, outcome).Inc()
}

func (c *Collector) ProtocolError(side string) {
	if c == nil {
		return
	}
	c.protocolErrors.WithLabelValues(side).Inc()
}

// PendingAdd moves the pending call gauge by delta.
func (c *Collector) PendingAdd(delta int) {
	if c == nil {
		return
	}
	c.pending.Add(float64(delta))
}

func (c *Collector) Broadcast(recipients int) {
	if c == nil {
		return
	}
	c.broadcast.Add(float64(recipients))
}
