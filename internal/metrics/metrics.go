// Package metrics exports stream session and hub activity to Prometheus and,
// through the logger, to CloudWatch.
//
// Registers:
//
//	#venuestream_session_state
//	#venuestream_reconnects_total
//	#venuestream_messages_total
//	#venuestream_message_bytes_total
//	#venuestream_protocol_errors_total
//	#venuestream_hub_sinks
//	#venuestream_hub_deliveries_total
//	#venuestream_hub_sink_removals_total
//	#go_* and process_* system metrics
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"venuestream/internal/hub"
	"venuestream/internal/normalizer"
	"venuestream/internal/stream"
	"venuestream/logger"
)

var allStates = []stream.State{
	stream.StateDisconnected,
	stream.StateConnecting,
	stream.StateConnected,
	stream.StateReconnecting,
	stream.StateFailed,
}

// Collector implements stream.Observer and hub.Observer.
type Collector struct {
	registry *prometheus.Registry
	log      *logger.Log

	sessionState   *prometheus.GaugeVec
	reconnects     *prometheus.CounterVec
	messages       *prometheus.CounterVec
	messageBytes   *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	sinks          *prometheus.GaugeVec
	deliveries     *prometheus.CounterVec
	sinkRemovals   *prometheus.CounterVec
}

// NewCollector builds a collector backed by its own registry, which also
// carries the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		log:      logger.GetLogger(),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venuestream_session_state",
			Help: "1 for the current state of each venue session, 0 otherwise",
		}, []string{"venue", "state"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venuestream_reconnects_total",
			Help: "Reconnect attempts scheduled per venue",
		}, []string{"venue"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venuestream_messages_total",
			Help: "Inbound websocket messages per venue",
		}, []string{"venue"}),
		messageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venuestream_message_bytes_total",
			Help: "Inbound websocket bytes per venue",
		}, []string{"venue"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venuestream_protocol_errors_total",
			Help: "Inbound messages rejected by the normalizer",
		}, []string{"venue", "kind"}),
		sinks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venuestream_hub_sinks",
			Help: "Sinks attached to each hub",
		}, []string{"hub"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venuestream_hub_deliveries_total",
			Help: "Envelopes delivered to sinks",
		}, []string{"hub"}),
		sinkRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venuestream_hub_sink_removals_total",
			Help: "Sinks dropped by a hub",
		}, []string{"hub", "reason"}),
	}
	c.registry.MustRegister(
		c.sessionState, c.reconnects, c.messages, c.messageBytes, c.protocolErrors,
		c.sinks, c.deliveries, c.sinkRemovals,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) StateChanged(venue string, state stream.State) {
	for _, st := range allStates {
		v := 0.0
		if st == state {
			v = 1
		}
		c.sessionState.WithLabelValues(venue, st.String()).Set(v)
	}
	if state == stream.StateFailed {
		EmitMetric(c.log, "stream_session", "SessionFailed", 1, "counter", logger.Fields{"venue": venue})
	}
}

func (c *Collector) ReconnectScheduled(venue string, attempt int, delay time.Duration) {
	c.reconnects.WithLabelValues(venue).Inc()
	EmitMetric(c.log, "stream_session", "ReconnectScheduled", attempt, "counter", logger.Fields{
		"venue":    venue,
		"delay_ms": delay.Milliseconds(),
	})
}

func (c *Collector) MessageReceived(venue string, size int) {
	c.messages.WithLabelValues(venue).Inc()
	c.messageBytes.WithLabelValues(venue).Add(float64(size))
}

func (c *Collector) ProtocolError(venue string, err error) {
	kind := "malformed"
	if errors.Is(err, normalizer.ErrUnknownEvent) {
		kind = "unknown_event"
	}
	c.protocolErrors.WithLabelValues(venue, kind).Inc()
	EmitMetric(c.log, "normalizer", "ProtocolErrors", 1, "counter", logger.Fields{"venue": venue, "kind": kind})
}

func (c *Collector) Delivered(hub string, sinks int) {
	c.deliveries.WithLabelValues(hub).Add(float64(sinks))
}

func (c *Collector) SinkRemoved(hub, reason string) {
	c.sinkRemovals.WithLabelValues(hub, reason).Inc()
	EmitMetric(c.log, "hub", "SinkRemoved", 1, "counter", logger.Fields{"hub": hub, "reason": reason})
}

func (c *Collector) SinkCount(hub string, n int) {
	c.sinks.WithLabelValues(hub).Set(float64(n))
}

var (
	_ stream.Observer = (*Collector)(nil)
	_ hub.Observer    = (*Collector)(nil)
)
