package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCACreated       AuditEvent = "ca_created"
	AuditCertIssued      AuditEvent = "cert_issued"
	AuditCertRevoked     AuditEvent = "cert_revoked"
	AuditCertRenewed     AuditEvent = "cert_renewed"
	AuditCRLGenerated    AuditEvent = "crl_generated"
	AuditOCSPSigned      AuditEvent = "ocsp_signed"
	AuditSCEPEnrolled    AuditEvent = "scep_enrolled"
	AuditSCEPApproved    AuditEvent = "scep_approved"
	AuditSCEPRejected    AuditEvent = "scep_rejected"
	AuditSCEPFailure     AuditEvent = "scep_failure"
	AuditESTEnrolled     AuditEvent = "est_enrolled"
	AuditESTReenrolled   AuditEvent = "est_reenrolled"
	AuditESTServerKeyGen AuditEvent = "est_serverkeygen"
	AuditESTAuthFailure  AuditEvent = "est_auth_failure"
	AuditESTRateLimited  AuditEvent = "est_rate_limited"
	AuditSigningFailure  AuditEvent = "signing_failure"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Attrs must never carry key
// material or serverkeygen output; callers log identifiers (serials,
// refs, transaction IDs) only.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logFailure logs a failed protocol or signing operation with its reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
