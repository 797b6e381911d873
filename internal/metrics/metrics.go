// Package metrics exposes optional Prometheus instrumentation for the link
// protocol (spec.md's expansion, §E). The core has no hard dependency on
// Prometheus: a nil *Registry is valid and every method becomes a no-op, so
// the server manager and client engine work unmodified without a collector
// ever being registered.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the gauges and counters one process-wide manager or
// client reports to. Construct with NewRegistry and pass to
// prometheus.Register (or Must) separately — this package does not assume a
// global registerer.
type Registry struct {
	ActiveConnections prometheus.Gauge
	Handshakes        prometheus.Counter
	Reconnects        prometheus.Counter
	FramesSent        prometheus.Counter
	FramesReceived    prometheus.Counter
	Retransmits       prometheus.Counter
	DuplicatesDropped prometheus.Counter
	QueueOverflows    prometheus.Counter
}

// NewRegistry constructs a Registry with the given namespace (e.g.
// "linkserver" or "linkclient").
func NewRegistry(namespace string) *Registry {
	mk := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		})
	}
	return &Registry{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections", Help: "Connections currently Active.",
		}),
		Handshakes:        mk("handshakes_total", "Handshakes accepted."),
		Reconnects:        mk("reconnects_total", "Reconnections bound to an existing Connection."),
		FramesSent:        mk("frames_sent_total", "Frames written to the wire."),
		FramesReceived:    mk("frames_received_total", "Frames read from the wire."),
		Retransmits:       mk("retransmits_total", "qos retransmissions due to unacked mids."),
		DuplicatesDropped: mk("duplicates_dropped_total", "Data frames suppressed by the de-dup filter."),
		QueueOverflows:    mk("queue_overflows_total", "Inbox overflows (slow consumer)."),
	}
}

// Collectors returns every metric for bulk registration, e.g.
// prometheus.NewRegistry().MustRegister(reg.Collectors()...).
func (r *Registry) Collectors() []prometheus.Collector {
	if r == nil {
		return nil
	}
	return []prometheus.Collector{
		r.ActiveConnections, r.Handshakes, r.Reconnects,
		r.FramesSent, r.FramesReceived, r.Retransmits,
		r.DuplicatesDropped, r.QueueOverflows,
	}
}

// Every Inc/Dec method below is nil-safe so callers never need a "metrics
// enabled" branch of their own.

func (r *Registry) IncActive() {
	if r != nil {
		r.ActiveConnections.Inc()
	}
}

func (r *Registry) DecActive() {
	if r != nil {
		r.ActiveConnections.Dec()
	}
}

func (r *Registry) IncHandshakes() {
	if r != nil {
		r.Handshakes.Inc()
	}
}

func (r *Registry) IncReconnects() {
	if r != nil {
		r.Reconnects.Inc()
	}
}

func (r *Registry) IncFramesSent() {
	if r != nil {
		r.FramesSent.Inc()
	}
}

func (r *Registry) IncFramesReceived() {
	if r != nil {
		r.FramesReceived.Inc()
	}
}

func (r *Registry) IncRetransmits() {
	if r != nil {
		r.Retransmits.Inc()
	}
}

func (r *Registry) IncDuplicatesDropped() {
	if r != nil {
		r.DuplicatesDropped.Inc()
	}
}

func (r *Registry) IncQueueOverflows() {
	if r != nil {
		r.QueueOverflows.Inc()
	}
}
