package storage

import "time"

// Certificate lifecycle states. A certificate is exactly one of these at any
// time; "superseded" is terminal and only ever set by renewal.
const (
	CertStatusActive     = "active"
	CertStatusRevoked    = "revoked"
	CertStatusSuperseded = "superseded"
)

// Enrollment channels recorded on issued certificates.
const (
	SourceManual = "manual"
	SourceACME   = "acme"
	SourceSCEP   = "scep"
	SourceEST    = "est"
	SourceCA     = "ca"
)

// SCEP enrollment request states.
const (
	SCEPStatusPending  = "pending"
	SCEPStatusApproved = "approved"
	SCEPStatusRejected = "rejected"
)

// OCSP certificate statuses stored alongside cached responses.
const (
	OCSPStatusGood    = "good"
	OCSPStatusRevoked = "revoked"
	OCSPStatusUnknown = "unknown"
)

// CA is a certificate authority managed by this instance. Root CAs have an
// empty ParentRef; intermediates point at the CA that signed them. The
// private key is either wrapped locally in KeyEnvelope or held in an HSM
// referenced by RemoteKeyID; a CA with neither is certificate-only and can
// anchor chains but never sign.
type CA struct {
	Ref            string
	Name           string
	SubjectDN      string
	IssuerDN       string
	ParentRef      string
	CertificatePEM string
	SubjectKeyID   string
	KeyEnvelope    []byte
	RemoteKeyID    string
	CDPEnabled     bool
	CDPURL         string
	OCSPEnabled    bool
	Revoked        bool
	RevokedAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasSigningKey reports whether the CA has key material available for
// signing, locally wrapped or remote.
func (c *CA) HasSigningKey() bool {
	return len(c.KeyEnvelope) > 0 || c.RemoteKeyID != ""
}

// Certificate is an issued end-entity or subordinate-CA certificate.
// SerialHex is the canonical lowercase-hex serial, unique per CA. CSRPEM
// retains the original request so the certificate can be renewed with the
// same key and subject. PreviousID links a renewal to the certificate it
// superseded.
type Certificate struct {
	ID             string
	CARef          string
	SerialHex      string
	SubjectDN      string
	IssuerDN       string
	AuthorityKeyID string
	NotBefore      time.Time
	NotAfter       time.Time
	Status         string
	RevokedAt      time.Time
	RevokeReason   int
	Source         string
	CSRPEM         string
	CertificatePEM string
	PreviousID     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CRLInfo is the most recent certificate revocation list generated for a CA,
// kept alongside the monotonic number sequence so distribution endpoints can
// serve the current list without regenerating it.
type CRLInfo struct {
	CARef        string
	Number       int64
	ThisUpdate   time.Time
	NextUpdate   time.Time
	DER          []byte
	PEM          string
	RevokedCount int
	GeneratedBy  string
}

// SCEPRequest is a pending or resolved SCEP enrollment transaction. The
// transaction ID comes from the client and is globally unique; approved
// requests carry the ID of the certificate that was issued for them.
type SCEPRequest struct {
	TransactionID string
	CARef         string
	SubjectDN     string
	CSRPEM        string
	Status        string
	ApprovedBy    string
	CertificateID string
	CreatedAt     time.Time
	ResolvedAt    time.Time
}

// OCSPCacheEntry is a cached pre-signed OCSP response for one certificate.
// Entries are served until NextUpdate passes or the certificate's status
// changes, whichever comes first.
type OCSPCacheEntry struct {
	CARef      string
	SerialHex  string
	Status     string
	Response   []byte
	ThisUpdate time.Time
	NextUpdate time.Time
}
