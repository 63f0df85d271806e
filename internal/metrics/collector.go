// Package arbmetrics exposes Prometheus metrics for the ARB runtime.
package arbmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "arbcast"
	subsystem = "rbc"
)

// Label names for ARB metrics.
const (
	labelType   = "type"
	labelReason = "reason"
)

// Drop reason label values. Every silently dropped datagram is counted
// under exactly one of these.
const (
	// ReasonMalformed is a datagram the codec rejected.
	ReasonMalformed = "malformed"

	// ReasonUnknownSender is an envelope whose transmitting node id is not
	// in the directory.
	ReasonUnknownSender = "unknown_sender"

	// ReasonBadSignature is an envelope that failed strict verification.
	ReasonBadSignature = "bad_signature"

	// ReasonQueueFull is an envelope dropped because its instance's input
	// queue was at capacity.
	ReasonQueueFull = "queue_full"

	// ReasonInstanceDead is an envelope for an instance whose driver has
	// already terminated.
	ReasonInstanceDead = "instance_dead"

	// ReasonInstanceCap is an envelope for a fresh identifier rejected by
	// the max-instances bound.
	ReasonInstanceCap = "instance_cap"
)

// -------------------------------------------------------------------------
// Collector — Prometheus ARB Metrics
// -------------------------------------------------------------------------

// Collector holds all ARB Prometheus metrics.
//
// Designed for monitoring a fixed-membership broadcast cluster:
//   - The instance gauge tracks live state machines (leak/flood signal).
//   - Envelope counters track RX/TX volume per protocol message type.
//   - Drop counters partition every silent drop by reason; a rising
//     bad_signature or instance_cap rate flags an active adversary.
//   - The delivery counter is the protocol's end-to-end success signal.
type Collector struct {
	// Instances tracks the number of live broadcast instances.
	Instances prometheus.Gauge

	// EnvelopesReceived counts verified envelopes routed to instances,
	// per inner message type.
	EnvelopesReceived *prometheus.CounterVec

	// EnvelopesSent counts envelopes transmitted, per inner message type.
	EnvelopesSent *prometheus.CounterVec

	// EnvelopesDropped counts silently dropped datagrams by reason.
	EnvelopesDropped *prometheus.CounterVec

	// Deliveries counts payloads delivered to the application.
	Deliveries prometheus.Counter

	// SendErrors counts transport-level transmit failures (logged and
	// ignored; the protocol never retransmits).
	SendErrors prometheus.Counter
}

// NewCollector creates a Collector with all ARB metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
//
// All metrics carry the "arbcast_rbc_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Instances,
		c.EnvelopesReceived,
		c.EnvelopesSent,
		c.EnvelopesDropped,
		c.Deliveries,
		c.SendErrors,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "instances",
			Help:      "Number of live broadcast instances.",
		}),
		EnvelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "envelopes_received_total",
			Help:      "Verified envelopes routed to instances, by inner message type.",
		}, []string{labelType}),
		EnvelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes transmitted, by inner message type.",
		}, []string{labelType}),
		EnvelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "envelopes_dropped_total",
			Help:      "Silently dropped datagrams, by reason.",
		}, []string{labelReason}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deliveries_total",
			Help:      "Payloads delivered to the application.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_errors_total",
			Help:      "Transport-level transmit failures.",
		}),
	}
}

// Dropped increments the drop counter for reason. All increment helpers
// are nil-safe so the runtime can run without metrics in tests.
func (c *Collector) Dropped(reason string) {
	if c == nil {
		return
	}
	c.EnvelopesDropped.WithLabelValues(reason).Inc()
}

// Received increments the received counter for an inner message type name.
func (c *Collector) Received(msgType string) {
	if c == nil {
		return
	}
	c.EnvelopesReceived.WithLabelValues(msgType).Inc()
}

// Sent increments the sent counter for an inner message type name.
func (c *Collector) Sent(msgType string) {
	if c == nil {
		return
	}
	c.EnvelopesSent.WithLabelValues(msgType).Inc()
}

// Delivered increments the delivery counter.
func (c *Collector) Delivered() {
	if c == nil {
		return
	}
	c.Deliveries.Inc()
}

// SendError increments the transmit failure counter.
func (c *Collector) SendError() {
	if c == nil {
		return
	}
	c.SendErrors.Inc()
}

// InstanceStarted increments the live instance gauge.
func (c *Collector) InstanceStarted() {
	if c == nil {
		return
	}
	c.Instances.Inc()
}

// InstanceStopped decrements the live instance gauge.
func (c *Collector) InstanceStopped() {
	if c == nil {
		return
	}
	c.Instances.Dec()
}
