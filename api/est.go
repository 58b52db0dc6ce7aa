package api

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/caforge/caforge/ca"
	"github.com/caforge/caforge/storage"
)

// maxESTRequestBytes bounds base64 CSR bodies.
const maxESTRequestBytes = 1 << 20

const (
	contentTypePKCS7 = "application/pkcs7-mime; smime-type=certs-only"
	contentTypePKCS8 = "application/pkcs8"
)

// ESTRoutes serves the RFC 7030 well-known endpoints. cacerts and csrattrs
// are unauthenticated; enrollment requires a TLS client certificate or
// configured basic credentials, and re-enrollment strictly a client
// certificate issued by this system.
func (a *API) ESTRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/cacerts", a.estCACerts)
	r.Get("/csrattrs", a.estCSRAttrs)
	r.Post("/simpleenroll", a.estSimpleEnroll)
	r.Post("/simplereenroll", a.estSimpleReenroll)
	r.Post("/serverkeygen", a.estServerKeyGen)
	return r
}

func (a *API) estCACerts(w http.ResponseWriter, r *http.Request) {
	if a.est == nil {
		http.Error(w, "EST is not configured", http.StatusNotFound)
		return
	}
	der, err := a.est.CACerts(r.Context())
	if err != nil {
		a.estError(w, r, err)
		return
	}
	writeBase64(w, http.StatusOK, contentTypePKCS7, der)
}

func (a *API) estCSRAttrs(w http.ResponseWriter, r *http.Request) {
	if a.est == nil {
		http.Error(w, "EST is not configured", http.StatusNotFound)
		return
	}
	writeBase64(w, http.StatusOK, "application/csrattrs", a.est.CSRAttrs())
}

func (a *API) estSimpleEnroll(w http.ResponseWriter, r *http.Request) {
	if a.est == nil {
		http.Error(w, "EST is not configured", http.StatusNotFound)
		return
	}
	if !a.estAuthenticate(w, r) {
		return
	}
	csrDER, err := readBase64Body(r)
	if err != nil {
		http.Error(w, "undecodable request body", http.StatusBadRequest)
		return
	}

	der, rec, err := a.est.Enroll(r.Context(), csrDER)
	if err != nil {
		a.estError(w, r, err)
		return
	}
	a.audit.log(AuditESTEnrolled, r, certAttrs(rec)...)
	writeBase64(w, http.StatusOK, contentTypePKCS7, der)
}

func (a *API) estSimpleReenroll(w http.ResponseWriter, r *http.Request) {
	if a.est == nil {
		http.Error(w, "EST is not configured", http.StatusNotFound)
		return
	}
	// Re-enrollment proves prior enrollment with the existing client
	// certificate; basic credentials alone are never sufficient.
	clientCert := peerCertificate(r)
	if clientCert == nil {
		w.Header().Set("WWW-Authenticate", "Basic realm=\"est\"")
		http.Error(w, "re-enrollment requires a TLS client certificate", http.StatusUnauthorized)
		return
	}
	csrDER, err := readBase64Body(r)
	if err != nil {
		http.Error(w, "undecodable request body", http.StatusBadRequest)
		return
	}

	der, rec, err := a.est.Reenroll(r.Context(), csrDER, clientCert)
	if err != nil {
		a.estError(w, r, err)
		return
	}
	a.audit.log(AuditESTReenrolled, r, certAttrs(rec)...)
	writeBase64(w, http.StatusOK, contentTypePKCS7, der)
}

func (a *API) estServerKeyGen(w http.ResponseWriter, r *http.Request) {
	if a.est == nil {
		http.Error(w, "EST is not configured", http.StatusNotFound)
		return
	}
	if !a.estAuthenticate(w, r) {
		return
	}
	csrDER, err := readBase64Body(r)
	if err != nil {
		http.Error(w, "undecodable request body", http.StatusBadRequest)
		return
	}

	keyDER, certsDER, rec, err := a.est.ServerKeyGen(r.Context(), csrDER)
	if err != nil {
		a.estError(w, r, err)
		return
	}
	// The multipart body is the single copy of the private key; it is
	// written straight to the client and never logged or cached.
	a.audit.log(AuditESTServerKeyGen, r, certAttrs(rec)...)
	writeKeyGenResponse(w, keyDER, certsDER)
}

// estAuthenticate enforces simpleenroll/serverkeygen authentication: a TLS
// client certificate chaining to the engine's CA, or basic credentials.
// Basic failures are rate limited per username with exponential backoff.
func (a *API) estAuthenticate(w http.ResponseWriter, r *http.Request) bool {
	if cert := peerCertificate(r); cert != nil {
		if err := a.est.VerifyClientCertificate(r.Context(), cert); err == nil {
			return true
		}
		// An unknown client certificate falls through to basic credentials.
	}

	user, pass, ok := r.BasicAuth()
	if ok && a.est.BasicAuthEnabled() {
		if blocked, retryAfter := a.estLimiter.check(user); blocked {
			a.audit.logFailure(AuditESTRateLimited, r, "too many failures")
			writeRateLimited(w, retryAfter)
			return false
		}
		if a.est.CheckCredentials(user, pass) {
			a.estLimiter.recordSuccess(user)
			return true
		}
		a.estLimiter.recordFailure(user)
	}

	a.audit.logFailure(AuditESTAuthFailure, r, "no valid client certificate or credentials")
	w.Header().Set("WWW-Authenticate", "Basic realm=\"est\"")
	http.Error(w, "authentication required", http.StatusUnauthorized)
	return false
}

// estError maps engine errors onto EST HTTP statuses. Input and policy
// messages are safe to return; everything else is sanitized.
func (a *API) estError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ca.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ca.ErrPolicyViolation):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "unknown CA", http.StatusNotFound)
	case errors.Is(err, ca.ErrBackendUnavailable):
		a.auditSigningFailure(r, err)
		w.Header().Set("Retry-After", "30")
		http.Error(w, "signing backend unavailable", http.StatusServiceUnavailable)
	default:
		a.auditSigningFailure(r, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func peerCertificate(r *http.Request) *x509.Certificate {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil
	}
	return r.TLS.PeerCertificates[0]
}

// readBase64Body decodes an RFC 7030 base64 body, tolerating CRLF line
// wrapping and surrounding whitespace.
func readBase64Body(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxESTRequestBytes))
	if err != nil {
		return nil, err
	}
	cleaned := strings.Map(func(c rune) rune {
		switch c {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return c
	}, string(raw))
	if cleaned == "" {
		return nil, errors.New("empty body")
	}
	return base64.StdEncoding.DecodeString(cleaned)
}

func writeBase64(w http.ResponseWriter, status int, contentType string, der []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Transfer-Encoding", "base64")
	w.WriteHeader(status)
	w.Write([]byte(base64.StdEncoding.EncodeToString(der)))
}

// writeKeyGenResponse emits the RFC 7030 §4.4.2 multipart/mixed response:
// the PKCS#8 key and the certs-only PKCS#7, each base64 encoded.
func writeKeyGenResponse(w http.ResponseWriter, keyDER, certsDER []byte) {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusOK)

	keyPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentTypePKCS8},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return
	}
	keyPart.Write([]byte(base64.StdEncoding.EncodeToString(keyDER)))

	certPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentTypePKCS7},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return
	}
	certPart.Write([]byte(base64.StdEncoding.EncodeToString(certsDER)))
	mw.Close()
}

func certAttrs(rec *storage.Certificate) []slog.Attr {
	return []slog.Attr{
		slog.String("ca", rec.CARef),
		slog.String("serial", rec.SerialHex),
		slog.String("subject", rec.SubjectDN),
	}
}
