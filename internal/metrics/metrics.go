// Package metrics holds the Prometheus collectors shared by the coordinator
// components. A nil *Metrics is valid and records nothing, so components can
// be built without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the coordinator exports.
type Metrics struct {
	eventsEmitted     *prometheus.CounterVec
	handlerErrors     *prometheus.CounterVec
	actionTransitions *prometheus.CounterVec
	actionNoops       *prometheus.CounterVec
	persistErrors     prometheus.Counter
	classifications   *prometheus.CounterVec
	toolExecutions    *prometheus.CounterVec
	toolDuration      *prometheus.HistogramVec
	tasksQueued       *prometheus.CounterVec
	tasksFinished     *prometheus.CounterVec
	notifications     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events emitted on the bus by type.",
		}, []string{"type"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_errors_total",
			Help:      "Event handler failures (errors and panics) by event type.",
		}, []string{"type"}),
		actionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_transitions_total",
			Help:      "Applied action status transitions.",
		}, []string{"from", "to"}),
		actionNoops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_noops_total",
			Help:      "Action mutations that were ignored, by operation and reason.",
		}, []string{"op", "reason"}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_persist_errors_total",
			Help:      "Failed writes to the action persister.",
		}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Classified utterances by intent and mode.",
		}, []string{"intent", "mode"}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		tasksQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_queued_total",
			Help:      "Tasks added to the queue by type.",
		}, []string{"type"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks reaching a terminal status.",
		}, []string{"type", "status"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbound notifications by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.eventsEmitted, m.handlerErrors, m.actionTransitions, m.actionNoops,
			m.persistErrors, m.classifications, m.toolExecutions, m.toolDuration,
			m.tasksQueued, m.tasksFinished, m.notifications,
		)
	}
	return m
}

func (m *Metrics) EventEmitted(eventType string) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(eventType).Inc()
}

func (m *Metrics) HandlerFailed(eventType string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ActionTransition(from, to string) {
	if m == nil {
		return
	}
	m.actionTransitions.WithLabelValues(from, to).Inc()
}

// ActionNoop counts a mutation that changed nothing, e.g. an unknown id.
func (m *Metrics) ActionNoop(op, reason string) {
	if m == nil {
		return
	}
	m.actionNoops.WithLabelValues(op, reason).Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistErrors.Inc()
}

func (m *Metrics) Classified(intent, mode string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(intent, mode).Inc()
}

func (m *Metrics) ToolExecuted(tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.toolExecutions.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (m *Metrics) TaskQueued(taskType string) {
	if m == nil {
		return
	}
	m.tasksQueued.WithLabelValues(taskType).Inc()
}

func (m *Metrics) TaskFinished(taskType, status string) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(taskType, status).Inc()
}

func (m *Metrics) Notified(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}
