package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sip_intercom"

// Monitor holds the process counters. A nil *Monitor is valid and records
// nothing.
type Monitor struct {
	registry *prometheus.Registry

	RegisterResponses *prometheus.CounterVec
	Recoveries        prometheus.Counter
	RegisterRetries   prometheus.Counter
	Registered        prometheus.Gauge
	InboundRequests   *prometheus.CounterVec
	DroppedMessages   *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
}

func NewMonitor() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		RegisterResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "register_responses_total",
			Help:      "REGISTER responses received, by status code.",
		}, []string{"code"}),
		Recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_recoveries_total",
			Help:      "Credential re-fetch cycles started after authentication failure.",
		}),
		RegisterRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "register_retries_total",
			Help:      "Registration cycles restarted after a REGISTER went unanswered.",
		}),
		Registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered",
			Help:      "1 while the last REGISTER was accepted.",
		}),
		InboundRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_requests_total",
			Help:      "Inbound requests answered, by method.",
		}, []string{"method"}),
		DroppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped without an answer, by reason.",
		}, []string{"reason"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Webhook deliveries, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.RegisterResponses,
		m.Recoveries,
		m.RegisterRetries,
		m.Registered,
		m.InboundRequests,
		m.DroppedMessages,
		m.Notifications,
	)
	return m
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Monitor) RegisterResponse(code string) {
	if m == nil {
		return
	}
	m.RegisterResponses.WithLabelValues(code).Inc()
}

func (m *Monitor) Recovery() {
	if m == nil {
		return
	}
	m.Recoveries.Inc()
}

func (m *Monitor) Retry() {
	if m == nil {
		return
	}
	m.RegisterRetries.Inc()
}

func (m *Monitor) SetRegistered(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Registered.Set(1)
	} else {
		m.Registered.Set(0)
	}
}

func (m *Monitor) InboundRequest(method string) {
	if m == nil {
		return
	}
	m.InboundRequests.WithLabelValues(method).Inc()
}

func (m *Monitor) Dropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedMessages.WithLabelValues(reason).Inc()
}

func (m *Monitor) Notification(result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result).Inc()
}
