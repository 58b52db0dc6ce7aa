package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertEnrollmentFailureSpike AlertType = "enrollment_failure_spike"
	AlertSigningFailureSpike    AlertType = "signing_failure_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection:
// enrollment failures (bad SCEP messages, EST auth failures) and signing
// backend failures.
type metricsCollector struct {
	mu sync.Mutex

	enrollFailures  []time.Time
	enrollWindow    time.Duration
	enrollThreshold int

	signingFailures  []time.Time
	signingWindow    time.Duration
	signingThreshold int

	alertFn AlertFunc
}

const (
	defaultEnrollFailureWindow     = 1 * time.Minute
	defaultEnrollFailureThreshold  = 50
	defaultSigningFailureWindow    = 5 * time.Minute
	defaultSigningFailureThreshold = 10
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		enrollWindow:     defaultEnrollFailureWindow,
		enrollThreshold:  defaultEnrollFailureThreshold,
		signingWindow:    defaultSigningFailureWindow,
		signingThreshold: defaultSigningFailureThreshold,
		alertFn:          alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditSCEPFailure, AuditESTAuthFailure, AuditESTRateLimited:
		m.recordEnrollFailure()
	case AuditSigningFailure:
		m.recordSigningFailure()
	}
}

func (m *metricsCollector) recordEnrollFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.enrollFailures = append(m.enrollFailures, now)
	m.enrollFailures = trimWindow(m.enrollFailures, now, m.enrollWindow)

	if len(m.enrollFailures) >= m.enrollThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertEnrollmentFailureSpike,
			Message:   "enrollment failure rate exceeds threshold",
			Count:     len(m.enrollFailures),
			Threshold: m.enrollThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.enrollFailures = m.enrollFailures[:0]
	}
}

func (m *metricsCollector) recordSigningFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.signingFailures = append(m.signingFailures, now)
	m.signingFailures = trimWindow(m.signingFailures, now, m.signingWindow)

	if len(m.signingFailures) >= m.signingThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertSigningFailureSpike,
			Message:   "signing backend failure rate exceeds threshold",
			Count:     len(m.signingFailures),
			Threshold: m.signingThreshold,
			Timestamp: now,
		})
		m.signingFailures = m.signingFailures[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
