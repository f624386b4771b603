package metrics

import "github.com/prometheus/client_golang/prometheus"

// InboxMetrics exposes counters and histograms for the inbox pipeline and
// the realtime hub.
type InboxMetrics struct {
	webhookTotal      *prometheus.CounterVec
	webhookLatency    *prometheus.HistogramVec
	aiDecisions       *prometheus.CounterVec
	aiLatency         *prometheus.HistogramVec
	outboundTotal     *prometheus.CounterVec
	realtimeConns     prometheus.Gauge
	realtimeBroadcast *prometheus.CounterVec
	realtimeDropped   prometheus.Counter
}

func NewInboxMetrics(reg prometheus.Registerer) *InboxMetrics {
	m := &InboxMetrics{
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "inbox",
			Name:      "webhook_total",
			Help:      "Inbound WhatsApp webhooks by provider and outcome",
		}, []string{"provider", "outcome"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "inbox",
			Name:      "webhook_latency_seconds",
			Help:      "Time to normalize and enqueue a webhook",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		aiDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "inbox",
			Name:      "ai_decisions_total",
			Help:      "AI responder decisions by kind and reason",
		}, []string{"kind", "reason"}),
		aiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "inbox",
			Name:      "ai_latency_seconds",
			Help:      "Latency of model calls",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 15, 25, 40},
		}, []string{"outcome"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "inbox",
			Name:      "outbound_total",
			Help:      "Outbound WhatsApp sends by provider and status",
		}, []string{"provider", "status"}),
		realtimeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clinic",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Open realtime connections",
		}),
		realtimeBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "realtime",
			Name:      "broadcast_total",
			Help:      "Realtime events broadcast by event name",
		}, []string{"event"}),
		realtimeDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "realtime",
			Name:      "slow_consumer_disconnects_total",
			Help:      "Connections closed because their send buffer was full",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.webhookTotal, m.webhookLatency,
		m.aiDecisions, m.aiLatency,
		m.outboundTotal,
		m.realtimeConns, m.realtimeBroadcast, m.realtimeDropped,
	)
	return m
}

func (m *InboxMetrics) ObserveWebhook(provider, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(provider, outcome).Inc()
	m.webhookLatency.WithLabelValues(provider).Observe(seconds)
}

func (m *InboxMetrics) ObserveAIDecision(kind, reason string) {
	if m == nil {
		return
	}
	m.aiDecisions.WithLabelValues(kind, reason).Inc()
}

func (m *InboxMetrics) ObserveAILatency(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.aiLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *InboxMetrics) ObserveOutbound(provider, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(provider, status).Inc()
}

func (m *InboxMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.realtimeConns.Inc()
}

func (m *InboxMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.realtimeConns.Dec()
}

func (m *InboxMetrics) ObserveBroadcast(event string) {
	if m == nil {
		return
	}
	m.realtimeBroadcast.WithLabelValues(event).Inc()
}

func (m *InboxMetrics) ObserveSlowConsumer() {
	if m == nil {
		return
	}
	m.realtimeDropped.Inc()
}
