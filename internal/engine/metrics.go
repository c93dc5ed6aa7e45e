package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
)

type Metrics struct {
	// Latency: время перехвата, без исполнения инструмента
	InterceptDuration *prometheus.HistogramVec

	// Traffic: решения по вердикту и сработавшему правилу
	Decisions *prometheus.CounterVec

	// Errors: отказы исполнения в шлюзе
	ErrorTotal *prometheus.CounterVec

	// Сигналы и текущее распределение агентов по состояниям
	Signals     *prometheus.CounterVec
	AgentStates *prometheus.GaugeVec

	Checkpoints prometheus.Counter
	DriftEvents prometheus.Counter

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		InterceptDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "uag_intercept_duration_seconds",
			Help:    "Histogram of interception latencies.",
			Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"verdict"}),

		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "uag_decisions_total",
			Help: "Total number of interception decisions.",
		}, []string{"verdict", "rule"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "uag_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: exec_failed, audit_unavailable, persist_failed

		Signals: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "uag_signals_total",
			Help: "Signals delivered to agents.",
		}, []string{"signal"}),

		AgentStates: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "uag_agents",
			Help: "Number of known agents by lifecycle state.",
		}, []string{"state"}),

		Checkpoints: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "uag_checkpoints_total",
			Help: "Checkpoints emitted by execution contexts.",
		}),

		DriftEvents: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "uag_drift_detected_total",
			Help: "Post-execution outputs whose drift exceeded the threshold.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "uag_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"connector_id"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "uag_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}

// ObserveDecision вызывается ядром один раз на каждый исход
func (m *Metrics) ObserveDecision(d domain.Decision, seconds float64) {
	m.Decisions.WithLabelValues(string(d.Verdict), d.Rule).Inc()
	m.InterceptDuration.WithLabelValues(string(d.Verdict)).Observe(seconds)
}

// ObserveTransition пересчитывает gauge состояний: уход из from, приход в to
func (m *Metrics) ObserveTransition(t Transition) {
	if t.From != "" {
		m.AgentStates.WithLabelValues(string(t.From)).Dec()
	}
	m.AgentStates.WithLabelValues(string(t.To)).Inc()
}
