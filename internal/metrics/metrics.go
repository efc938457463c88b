// Package metrics exposes Prometheus collectors for the purchase pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "purchase_pipeline"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsHandled *prometheus.CounterVec
	retryAttempts *prometheus.CounterVec
	deadLetters   *prometheus.CounterVec
	enginePaths   *prometheus.CounterVec
	recoveries    *prometheus.CounterVec
	emitFailures  *prometheus.CounterVec
}

// MustNewMetrics registers the collectors with reg and panics on duplicate registration.
// Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		eventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_handled_total",
			Help:      "Purchase-confirmed events handled, by outcome.",
		}, []string{"outcome"}),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Failed attempts that were retried, by operation.",
		}, []string{"operation"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Messages published to the dead-letter topic, by original topic.",
		}, []string{"topic"}),
		enginePaths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_engine_path_total",
			Help:      "Purchase engine invocations by resolution path.",
		}, []string{"path"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_actions_total",
			Help:      "Self-healing actions taken for inconsistent prior attempts.",
		}, []string{"kind"}),
		emitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emit_failures_total",
			Help:      "Best-effort downstream emissions that failed, by target.",
		}, []string{"target"}),
	}
	reg.MustRegister(m.eventsHandled, m.retryAttempts, m.deadLetters, m.enginePaths, m.recoveries, m.emitFailures)
	return m
}

func (m *Metrics) EventHandled(outcome string) {
	if m == nil {
		return
	}
	m.eventsHandled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RetryAttempt(operation string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(operation).Inc()
}

func (m *Metrics) DeadLetter(topic string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(topic).Inc()
}

func (m *Metrics) EnginePath(path string) {
	if m == nil {
		return
	}
	m.enginePaths.WithLabelValues(path).Inc()
}

func (m *Metrics) Recovery(kind string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(kind).Inc()
}

func (m *Metrics) EmitFailure(target string) {
	if m == nil {
		return
	}
	m.emitFailures.WithLabelValues(target).Inc()
}
