package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Commands        *prometheus.CounterVec
	Fallbacks       *prometheus.CounterVec
	ResolverLatency *prometheus.HistogramVec
	ResolverHealth  prometheus.Gauge
	ContextSwept    prometheus.Counter
	ActiveSessions  prometheus.Gauge
	QueueDepth      prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookbuddy_commands_total",
				Help: "Commands processed by execution path and outcome",
			},
			[]string{"path", "outcome"},
		),
		Fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookbuddy_resolver_fallbacks_total",
				Help: "Fallback cascades between resolvers",
			},
			[]string{"from", "to"},
		),
		ResolverLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bookbuddy_resolver_latency_seconds",
				Help:    "Resolver latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resolver"},
		),
		ResolverHealth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bookbuddy_remote_resolver_connected",
				Help: "1 when the remote resolver answered the last probe",
			},
		),
		ContextSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bookbuddy_context_entries_swept_total",
				Help: "Context entries removed by the TTL sweep",
			},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bookbuddy_active_sessions",
				Help: "Number of authenticated sessions",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bookbuddy_command_queue_depth",
				Help: "Commands waiting across session queues",
			},
		),
	}

	reg.MustRegister(
		m.Commands,
		m.Fallbacks,
		m.ResolverLatency,
		m.ResolverHealth,
		m.ContextSwept,
		m.ActiveSessions,
		m.QueueDepth,
	)
	return m
}

func (m *Metrics) ObserveCommand(path, outcome string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) ObserveFallback(from, to string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveResolver(resolver string, seconds float64) {
	if m == nil {
		return
	}
	m.ResolverLatency.WithLabelValues(resolver).Observe(seconds)
}

func (m *Metrics) SetResolverConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.ResolverHealth.Set(1)
	} else {
		m.ResolverHealth.Set(0)
	}
}

func (m *Metrics) AddSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ContextSwept.Add(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) QueueChanged(delta int) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(float64(delta))
}
