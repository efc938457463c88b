package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())

	m.EventHandled("created")
	m.EventHandled("created")
	m.EnginePath("advisory_lock")
	m.Recovery("allocation_retrigger")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsHandled.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.enginePaths.WithLabelValues("advisory_lock")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recoveries.WithLabelValues("allocation_retrigger")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventHandled("x")
		m.RetryAttempt("x")
		m.DeadLetter("x")
		m.EnginePath("x")
		m.Recovery("x")
		m.EmitFailure("x")
	})
}

func TestMustNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNewMetrics(reg)
	assert.Panics(t, func() { MustNewMetrics(reg) })
}
