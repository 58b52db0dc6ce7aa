package api

import (
	"time"

	"github.com/caforge/caforge/storage"
)

// ErrorResponse is the body of every non-2xx management API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateCARequest is the body of POST /cas.
type CreateCARequest struct {
	Ref           string   `json:"ref"`
	Name          string   `json:"name"`
	CommonName    string   `json:"common_name"`
	Organization  []string `json:"organization,omitempty"`
	Country       []string `json:"country,omitempty"`
	ParentRef     string   `json:"parent_ref,omitempty"`
	KeyType       string   `json:"key_type,omitempty"`
	ValidityYears int      `json:"validity_years,omitempty"`
	CDPEnabled    bool     `json:"cdp_enabled"`
	CDPURL        string   `json:"cdp_url,omitempty"`
	OCSPEnabled   bool     `json:"ocsp_enabled"`
	RemoteKeyID   string   `json:"remote_key_id,omitempty"`
}

// CAResponse describes a CA. The key envelope never leaves the store.
type CAResponse struct {
	Ref            string     `json:"ref"`
	Name           string     `json:"name"`
	SubjectDN      string     `json:"subject_dn"`
	IssuerDN       string     `json:"issuer_dn"`
	ParentRef      string     `json:"parent_ref,omitempty"`
	SubjectKeyID   string     `json:"subject_key_id"`
	HasPrivateKey  bool       `json:"has_private_key"`
	CDPEnabled     bool       `json:"cdp_enabled"`
	CDPURL         string     `json:"cdp_url,omitempty"`
	OCSPEnabled    bool       `json:"ocsp_enabled"`
	Revoked        bool       `json:"revoked"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	CertificatePEM string     `json:"certificate_pem"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toCAResponse(rec *storage.CA) CAResponse {
	resp := CAResponse{
		Ref:            rec.Ref,
		Name:           rec.Name,
		SubjectDN:      rec.SubjectDN,
		IssuerDN:       rec.IssuerDN,
		ParentRef:      rec.ParentRef,
		SubjectKeyID:   rec.SubjectKeyID,
		HasPrivateKey:  rec.HasSigningKey(),
		CDPEnabled:     rec.CDPEnabled,
		CDPURL:         rec.CDPURL,
		OCSPEnabled:    rec.OCSPEnabled,
		Revoked:        rec.Revoked,
		CertificatePEM: rec.CertificatePEM,
		CreatedAt:      rec.CreatedAt,
	}
	if !rec.RevokedAt.IsZero() {
		t := rec.RevokedAt
		resp.RevokedAt = &t
	}
	return resp
}

// CAListResponse is the body of GET /cas.
type CAListResponse struct {
	CAs []CAResponse `json:"cas"`
}

// ChainResponse is the body of GET /cas/{caRef}/chain: PEM certificates
// ordered from the CA itself up to its root.
type ChainResponse struct {
	ChainPEM []string `json:"chain_pem"`
}

// IssueCertificateRequest is the body of POST /cas/{caRef}/certificates.
type IssueCertificateRequest struct {
	CSRPEM       string `json:"csr_pem"`
	ValidityDays int    `json:"validity_days"`
	Source       string `json:"source,omitempty"`
}

// CertificateResponse describes an issued certificate.
type CertificateResponse struct {
	ID             string     `json:"id"`
	CARef          string     `json:"ca_ref"`
	SerialHex      string     `json:"serial"`
	SubjectDN      string     `json:"subject_dn"`
	IssuerDN       string     `json:"issuer_dn"`
	NotBefore      time.Time  `json:"not_before"`
	NotAfter       time.Time  `json:"not_after"`
	Status         string     `json:"status"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokeReason   int        `json:"revoke_reason,omitempty"`
	Source         string     `json:"source"`
	PreviousID     string     `json:"previous_id,omitempty"`
	CertificatePEM string     `json:"certificate_pem"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toCertificateResponse(rec *storage.Certificate) CertificateResponse {
	resp := CertificateResponse{
		ID:             rec.ID,
		CARef:          rec.CARef,
		SerialHex:      rec.SerialHex,
		SubjectDN:      rec.SubjectDN,
		IssuerDN:       rec.IssuerDN,
		NotBefore:      rec.NotBefore,
		NotAfter:       rec.NotAfter,
		Status:         rec.Status,
		RevokeReason:   rec.RevokeReason,
		Source:         rec.Source,
		PreviousID:     rec.PreviousID,
		CertificatePEM: rec.CertificatePEM,
		CreatedAt:      rec.CreatedAt,
	}
	if !rec.RevokedAt.IsZero() {
		t := rec.RevokedAt
		resp.RevokedAt = &t
	}
	return resp
}

// CertificateListResponse is the body of GET /cas/{caRef}/certificates.
type CertificateListResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
	Pagination   PageMeta              `json:"pagination"`
}

// RevokeCertificateRequest is the body of POST /certificates/{id}/revoke.
// Reason is an RFC 5280 reason code; 0 (unspecified) when omitted.
type RevokeCertificateRequest struct {
	Reason int `json:"reason"`
}

// RenewCertificateRequest is the body of POST /certificates/{id}/renew.
type RenewCertificateRequest struct {
	ValidityDays int `json:"validity_days"`
}

// GenerateCRLRequest is the body of POST /cas/{caRef}/crl.
type GenerateCRLRequest struct {
	ValidityDays int `json:"validity_days"`
}

// CRLResponse describes a generated CRL without its DER payload; the
// distribution endpoints serve the encoded list itself.
type CRLResponse struct {
	CARef        string    `json:"ca_ref"`
	Number       int64     `json:"number"`
	ThisUpdate   time.Time `json:"this_update"`
	NextUpdate   time.Time `json:"next_update"`
	RevokedCount int       `json:"revoked_count"`
	GeneratedBy  string    `json:"generated_by"`
	PEM          string    `json:"pem"`
}

func toCRLResponse(info *storage.CRLInfo) CRLResponse {
	return CRLResponse{
		CARef:        info.CARef,
		Number:       info.Number,
		ThisUpdate:   info.ThisUpdate,
		NextUpdate:   info.NextUpdate,
		RevokedCount: info.RevokedCount,
		GeneratedBy:  info.GeneratedBy,
		PEM:          info.PEM,
	}
}

// SCEPRequestResponse describes an enrollment transaction.
type SCEPRequestResponse struct {
	TransactionID string     `json:"transaction_id"`
	CARef         string     `json:"ca_ref"`
	SubjectDN     string     `json:"subject_dn"`
	Status        string     `json:"status"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
	CertificateID string     `json:"certificate_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

func toSCEPRequestResponse(req *storage.SCEPRequest) SCEPRequestResponse {
	resp := SCEPRequestResponse{
		TransactionID: req.TransactionID,
		CARef:         req.CARef,
		SubjectDN:     req.SubjectDN,
		Status:        req.Status,
		ApprovedBy:    req.ApprovedBy,
		CertificateID: req.CertificateID,
		CreatedAt:     req.CreatedAt,
	}
	if !req.ResolvedAt.IsZero() {
		t := req.ResolvedAt
		resp.ResolvedAt = &t
	}
	return resp
}

// SCEPRequestListResponse is the body of GET /scep/requests.
type SCEPRequestListResponse struct {
	Requests []SCEPRequestResponse `json:"requests"`
}

// ResolveSCEPRequestBody carries the operator identity for approve/reject.
type ResolveSCEPRequestBody struct {
	Approver string `json:"approver"`
}
