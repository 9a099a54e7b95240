package softphone

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMetricsNilSafe: движок без метрик не должен паниковать.
func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.SessionCreated(DirectionOutgoing)
		m.SessionEnded(time.Now())
		m.StateTransition(StateDialing, StateEstablished)
		m.Transfer(TransferModeBlind, "success")
		m.AdmissionRejected(DirectionIncoming)
		m.EventDropped()
	})
}

// TestMetricsCounters проверяет инкременты основных счетчиков.
func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SessionCreated(DirectionOutgoing)
	m.SessionCreated(DirectionOutgoing)
	m.SessionCreated(DirectionIncoming)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.sessionsTotal.WithLabelValues("outgoing")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionsTotal.WithLabelValues("incoming")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.sessionsActive))

	m.SessionEnded(time.Now().Add(-time.Second))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.sessionsActive))

	m.AdmissionRejected(DirectionIncoming)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.admissionRejects.WithLabelValues("incoming")))

	m.Transfer(TransferModeAttended, "failure")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transfersTotal.WithLabelValues("attended", "failure")))
}

// TestMetricsWiredIntoEngine: движок с метриками ведет счет сессий.
func TestMetricsWiredIntoEngine(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	tr := newMockTransport()
	e := newTestEngine(t, tr, WithMetrics(m))

	id, h := dialEstablished(t, e, tr, "sip:bob@example.com")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionsActive))

	e.OnTerminated(h, "remote bye")
	waitRemoved(t, e, id)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.sessionsActive))

	count, err := testutil.GatherAndCount(reg, "softphone_call_state_transitions_total")
	require.NoError(t, err)
	assert.Greater(t, count, 0, "state transitions should be recorded")
}
