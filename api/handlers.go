package api

import (
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/caforge/caforge/ca"
	"github.com/caforge/caforge/internal/x509util"
)

// CreateCA handles POST /cas: create a root or intermediate CA.
func (a *API) CreateCA(w http.ResponseWriter, r *http.Request) {
	var req CreateCARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := a.authority.CreateCA(r.Context(), ca.CreateCARequest{
		Ref:  req.Ref,
		Name: req.Name,
		Subject: pkix.Name{
			CommonName:   req.CommonName,
			Organization: req.Organization,
			Country:      req.Country,
		},
		ParentRef:     req.ParentRef,
		KeyType:       req.KeyType,
		ValidityYears: req.ValidityYears,
		CDPEnabled:    req.CDPEnabled,
		CDPURL:        req.CDPURL,
		OCSPEnabled:   req.OCSPEnabled,
		RemoteKeyID:   req.RemoteKeyID,
	})
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditCACreated, r,
		slog.String("ca", rec.Ref),
		slog.String("subject", rec.SubjectDN),
		slog.String("parent", rec.ParentRef))
	writeJSON(w, http.StatusCreated, toCAResponse(rec))
}

// ListCAs handles GET /cas.
func (a *API) ListCAs(w http.ResponseWriter, r *http.Request) {
	cas, err := a.store.ListCAs(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	resp := CAListResponse{CAs: make([]CAResponse, 0, len(cas))}
	for _, rec := range cas {
		resp.CAs = append(resp.CAs, toCAResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCA handles GET /cas/{caRef}.
func (a *API) GetCA(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.GetCA(r.Context(), chi.URLParam(r, "caRef"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCAResponse(rec))
}

// GetCAChain handles GET /cas/{caRef}/chain.
func (a *API) GetCAChain(w http.ResponseWriter, r *http.Request) {
	chain, err := a.authority.CAChain(r.Context(), chi.URLParam(r, "caRef"))
	if err != nil {
		mapError(w, err)
		return
	}
	resp := ChainResponse{ChainPEM: make([]string, 0, len(chain))}
	for _, cert := range chain {
		resp.ChainPEM = append(resp.ChainPEM, x509util.EncodeCertPEM(cert.Raw))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GenerateCRL handles POST /cas/{caRef}/crl.
func (a *API) GenerateCRL(w http.ResponseWriter, r *http.Request) {
	caRef := chi.URLParam(r, "caRef")

	var req GenerateCRLRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	info, err := a.authority.GenerateCRL(r.Context(), caRef, req.ValidityDays)
	if err != nil {
		a.auditSigningFailure(r, err, slog.String("ca", caRef))
		mapError(w, err)
		return
	}

	a.audit.log(AuditCRLGenerated, r,
		slog.String("ca", caRef),
		slog.Int64("number", info.Number),
		slog.Int("revoked", info.RevokedCount))
	writeJSON(w, http.StatusOK, toCRLResponse(info))
}

// IssueCertificate handles POST /cas/{caRef}/certificates.
func (a *API) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	caRef := chi.URLParam(r, "caRef")

	var req IssueCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := a.authority.IssueCertificate(r.Context(), caRef, ca.IssueRequest{
		CSRPEM:       req.CSRPEM,
		ValidityDays: req.ValidityDays,
		Source:       req.Source,
	})
	if err != nil {
		a.auditSigningFailure(r, err, slog.String("ca", caRef))
		mapError(w, err)
		return
	}

	a.audit.log(AuditCertIssued, r,
		slog.String("ca", caRef),
		slog.String("serial", rec.SerialHex),
		slog.String("subject", rec.SubjectDN))
	writeJSON(w, http.StatusCreated, toCertificateResponse(rec))
}

// ListCertificates handles GET /cas/{caRef}/certificates with optional
// status filtering and pagination.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	caRef := chi.URLParam(r, "caRef")

	// The CA must exist; an empty certificate list is not a 404.
	if _, err := a.store.GetCA(r.Context(), caRef); err != nil {
		mapError(w, err)
		return
	}

	certs, err := a.store.ListCertificates(r.Context(), caRef)
	if err != nil {
		mapError(w, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := certs[:0]
		for _, c := range certs {
			if c.Status == status {
				filtered = append(filtered, c)
			}
		}
		certs = filtered
	}

	limit, offset := pageParams(r)
	start, end, meta := pageWindow(len(certs), limit, offset)

	resp := CertificateListResponse{
		Certificates: make([]CertificateResponse, 0, end-start),
		Pagination:   meta,
	}
	for _, rec := range certs[start:end] {
		resp.Certificates = append(resp.Certificates, toCertificateResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCertificate handles GET /certificates/{certID}.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.GetCertificate(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCertificateResponse(rec))
}

// RevokeCertificate handles POST /certificates/{certID}/revoke. Revoking
// an already-revoked certificate returns its unchanged state.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	certID := chi.URLParam(r, "certID")

	var req RevokeCertificateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	rec, err := a.authority.RevokeCertificate(r.Context(), certID, req.Reason)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditCertRevoked, r,
		slog.String("ca", rec.CARef),
		slog.String("serial", rec.SerialHex),
		slog.String("reason", strconv.Itoa(req.Reason)))
	writeJSON(w, http.StatusOK, toCertificateResponse(rec))
}

// RenewCertificate handles POST /certificates/{certID}/renew.
func (a *API) RenewCertificate(w http.ResponseWriter, r *http.Request) {
	certID := chi.URLParam(r, "certID")

	var req RenewCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := a.authority.RenewCertificate(r.Context(), certID, req.ValidityDays)
	if err != nil {
		a.auditSigningFailure(r, err)
		mapError(w, err)
		return
	}

	a.audit.log(AuditCertRenewed, r,
		slog.String("ca", rec.CARef),
		slog.String("serial", rec.SerialHex),
		slog.String("previous", rec.PreviousID))
	writeJSON(w, http.StatusCreated, toCertificateResponse(rec))
}

// ListSCEPRequests handles GET /scep/requests with an optional status
// filter.
func (a *API) ListSCEPRequests(w http.ResponseWriter, r *http.Request) {
	if a.scep == nil {
		writeError(w, http.StatusNotFound, "SCEP is not configured")
		return
	}
	reqs, err := a.scep.Requests(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		mapError(w, err)
		return
	}
	resp := SCEPRequestListResponse{Requests: make([]SCEPRequestResponse, 0, len(reqs))}
	for _, req := range reqs {
		resp.Requests = append(resp.Requests, toSCEPRequestResponse(req))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSCEPRequest handles GET /scep/requests/{transactionID}.
func (a *API) GetSCEPRequest(w http.ResponseWriter, r *http.Request) {
	if a.scep == nil {
		writeError(w, http.StatusNotFound, "SCEP is not configured")
		return
	}
	req, err := a.scep.Request(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSCEPRequestResponse(req))
}

// ApproveSCEPRequest handles POST /scep/requests/{transactionID}/approve.
// Exactly one of any concurrent approve/reject calls wins; the rest see a
// conflict.
func (a *API) ApproveSCEPRequest(w http.ResponseWriter, r *http.Request) {
	if a.scep == nil {
		writeError(w, http.StatusNotFound, "SCEP is not configured")
		return
	}
	transactionID := chi.URLParam(r, "transactionID")

	var body ResolveSCEPRequestBody
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	cert, err := a.scep.Approve(r.Context(), transactionID, body.Approver)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditSCEPApproved, r,
		slog.String("txn", transactionID),
		slog.String("approver", body.Approver),
		slog.String("serial", cert.SerialHex))
	writeJSON(w, http.StatusOK, toCertificateResponse(cert))
}

// RejectSCEPRequest handles POST /scep/requests/{transactionID}/reject.
func (a *API) RejectSCEPRequest(w http.ResponseWriter, r *http.Request) {
	if a.scep == nil {
		writeError(w, http.StatusNotFound, "SCEP is not configured")
		return
	}
	transactionID := chi.URLParam(r, "transactionID")

	var body ResolveSCEPRequestBody
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := a.scep.Reject(r.Context(), transactionID, body.Approver); err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditSCEPRejected, r,
		slog.String("txn", transactionID),
		slog.String("approver", body.Approver))
	req, err := a.scep.Request(r.Context(), transactionID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSCEPRequestResponse(req))
}

// auditSigningFailure records backend signing failures in the audit
// stream so the metrics collector can spot spikes. Other error kinds are
// not audit events.
func (a *API) auditSigningFailure(r *http.Request, err error, extra ...slog.Attr) {
	if isSigningFailure(err) {
		a.audit.logFailure(AuditSigningFailure, r, err.Error(), extra...)
	}
}

func isSigningFailure(err error) bool {
	return errors.Is(err, ca.ErrBackendUnavailable) || errors.Is(err, ca.ErrSigningRejected)
}
