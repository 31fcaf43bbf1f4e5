package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Relayed("offer")
	m.Relayed("offer")
	m.Rejected("not_approved")
	m.DeadEndpoint()
	m.PublishFailed()
	m.ListenerRestarted()

	assert.InDelta(t, 1, testutil.ToFloat64(m.connections), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.relayed.WithLabelValues("offer")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.rejected.WithLabelValues("not_approved")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.deadEndpoints), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.publishFailures), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.listenerRestart), 0)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.Relayed("offer")
		m.Rejected("x")
		m.DeadEndpoint()
		m.PublishFailed()
		m.ListenerRestarted()
	})
}
