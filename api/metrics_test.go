package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsEnrollmentSpikeAlert(t *testing.T) {
	var alerts []AlertEvent
	m := newMetricsCollector(func(ev AlertEvent) { alerts = append(alerts, ev) })
	m.enrollThreshold = 3

	m.recordEvent(AuditSCEPFailure)
	m.recordEvent(AuditESTAuthFailure)
	require.Empty(t, alerts)

	m.recordEvent(AuditESTRateLimited)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertEnrollmentFailureSpike, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)

	// The window resets after alerting, so the next failure is quiet.
	m.recordEvent(AuditSCEPFailure)
	assert.Len(t, alerts, 1)
}

func TestMetricsSigningSpikeAlert(t *testing.T) {
	var alerts []AlertEvent
	m := newMetricsCollector(func(ev AlertEvent) { alerts = append(alerts, ev) })
	m.signingThreshold = 2

	m.recordEvent(AuditSigningFailure)
	require.Empty(t, alerts)
	m.recordEvent(AuditSigningFailure)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSigningFailureSpike, alerts[0].Type)
}

func TestMetricsIgnoresSuccessEvents(t *testing.T) {
	var alerts []AlertEvent
	m := newMetricsCollector(func(ev AlertEvent) { alerts = append(alerts, ev) })
	m.enrollThreshold = 1
	m.signingThreshold = 1

	m.recordEvent(AuditCertIssued)
	m.recordEvent(AuditOCSPSigned)
	m.recordEvent(AuditESTEnrolled)
	assert.Empty(t, alerts)
}

func TestMetricsNilCollector(t *testing.T) {
	var m *metricsCollector
	// Must not panic when the API runs without an alert callback.
	m.recordEvent(AuditSigningFailure)
}
