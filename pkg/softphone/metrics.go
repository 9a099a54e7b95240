package softphone

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics собирает и экспортирует метрики ядра управления вызовами.
//
// Все методы безопасны для nil получателя: движок без настроенных
// метрик не платит за их сбор.
type Metrics struct {
	sessionsTotal    *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	callDuration     prometheus.Histogram
	stateTransitions *prometheus.CounterVec
	transfersTotal   *prometheus.CounterVec
	admissionRejects *prometheus.CounterVec
	eventsDropped    prometheus.Counter
}

// NewMetrics регистрирует метрики ядра в переданном Registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "call",
			Name:      "sessions_total",
			Help:      "Total number of call sessions created",
		}, []string{"direction"}),

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "softphone",
			Subsystem: "call",
			Name:      "sessions_active",
			Help:      "Number of currently live call sessions",
		}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "softphone",
			Subsystem: "call",
			Name:      "duration_seconds",
			Help:      "Duration of established calls in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 180, 600, 1800, 3600},
		}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "call",
			Name:      "state_transitions_total",
			Help:      "Total number of session state transitions",
		}, []string{"from_state", "to_state"}),

		transfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "transfer",
			Name:      "operations_total",
			Help:      "Total number of transfer operations",
		}, []string{"mode", "status"}),

		admissionRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "line",
			Name:      "admission_rejects_total",
			Help:      "Calls rejected because all lines were busy",
		}, []string{"direction"}),

		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		}),
	}
}

// SessionCreated учитывает создание сессии.
func (m *Metrics) SessionCreated(direction Direction) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(direction.String()).Inc()
	m.sessionsActive.Inc()
}

// SessionEnded учитывает завершение сессии.
// startTime равен нулю, если вызов не был установлен.
func (m *Metrics) SessionEnded(startTime time.Time) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	if !startTime.IsZero() {
		m.callDuration.Observe(time.Since(startTime).Seconds())
	}
}

// StateTransition учитывает переход состояния сессии.
func (m *Metrics) StateTransition(from, to CallState) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// Transfer учитывает исход операции перевода.
func (m *Metrics) Transfer(mode TransferMode, status string) {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues(string(mode), status).Inc()
}

// AdmissionRejected учитывает отказ admission control.
func (m *Metrics) AdmissionRejected(direction Direction) {
	if m == nil {
		return
	}
	m.admissionRejects.WithLabelValues(direction.String()).Inc()
}

// EventDropped учитывает потерю события на переполненном подписчике.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
