package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the orchestrator. Every
// Metrics owns its registry so several instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry
	stages   *stageWindow

	ActiveTransports     prometheus.Gauge
	TransportTransitions *prometheus.CounterVec
	PushMessages         *prometheus.CounterVec
	PollRequests         *prometheus.CounterVec
	ApplyAttempts        *prometheus.CounterVec
	ApplyLatency         prometheus.Histogram
	RegistryEvents       *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		stages:   newStageWindow(256),
		ActiveTransports: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transports",
			Help:      "Number of live per-task transports.",
		}),
		TransportTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_transitions_total",
			Help:      "Transport state entries by state.",
		}, []string{"state"}),
		PushMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_messages_total",
			Help:      "Push channel frames by type.",
		}, []string{"type"}),
		PollRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_requests_total",
			Help:      "Status polls by outcome.",
		}, []string{"outcome"}),
		ApplyAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_attempts_total",
			Help:      "Commit calls by outcome.",
		}, []string{"outcome"}),
		ApplyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_latency_ms",
			Help:      "Time from first commit attempt to final outcome in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		}),
		RegistryEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_events_total",
			Help:      "Registry events by type.",
		}, []string{"type"}),
	}
}

func (m *Metrics) TransportStarted() {
	if m == nil {
		return
	}
	m.ActiveTransports.Inc()
}

func (m *Metrics) TransportStopped() {
	if m == nil {
		return
	}
	m.ActiveTransports.Dec()
}

func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.TransportTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ObservePushMessage(kind string) {
	if m == nil {
		return
	}
	m.PushMessages.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObservePoll(outcome string) {
	if m == nil {
		return
	}
	m.PollRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveApplyAttempt(outcome string) {
	if m == nil {
		return
	}
	m.ApplyAttempts.WithLabelValues(outcome).Inc()
	if outcome != "success" {
		m.stages.ObserveIndicator("apply_" + outcome)
	}
}

func (m *Metrics) ObserveApplyLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ApplyLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveRegistryEvent(kind string) {
	if m == nil {
		return
	}
	m.RegistryEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, d)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return newStageWindow(1).Snapshot()
	}
	return m.stages.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
