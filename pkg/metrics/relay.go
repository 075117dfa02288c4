package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/callbridge/pkg/errorsx"
)

const (
	LegTelephony = "telephony"
	LegAgent     = "agent"

	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics groups the Prometheus instruments of the relay. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	Messages        *prometheus.CounterVec
	Dropped         *prometheus.CounterVec
	Errors          *prometheus.CounterVec
	AgentStates     *prometheus.CounterVec
	EndpointLatency prometheus.Histogram
	Calls           *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of telephony streams currently relayed.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Relayed messages by leg, direction and type.",
		}, []string{"leg", "direction", "type"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Messages dropped because the destination leg was not ready.",
		}, []string{"leg", "reason"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by reason code.",
		}, []string{"reason_code"}),
		AgentStates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Agent leg state transitions by target state.",
		}, []string{"state"}),
		EndpointLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_endpoint_latency_ms",
			Help:      "Latency of signed URL acquisition in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}),
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_calls_total",
			Help:      "Outbound call requests by result.",
		}, []string{"result"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("opened").Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("closed").Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Message(leg, direction, typ string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(leg, direction, typ).Inc()
}

func (m *Metrics) Drop(leg, reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(leg, reason).Inc()
}

func (m *Metrics) Error(reason errorsx.ReasonCode) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) AgentState(state string) {
	if m == nil {
		return
	}
	m.AgentStates.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveEndpointLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.EndpointLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) Call(result string) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(result).Inc()
}
