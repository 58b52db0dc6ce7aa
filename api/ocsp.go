package api

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	stdocsp "golang.org/x/crypto/ocsp"

	"github.com/caforge/caforge/ocsp"
)

// maxOCSPRequestBytes bounds POSTed request bodies. RFC 6960 requests are
// tiny; anything larger is garbage.
const maxOCSPRequestBytes = 1 << 16

// OCSPRoutes serves RFC 6960 status queries: GET with the base64url
// request in the path, and POST with a binary body. Responses are always
// complete OCSPResponse structures, including for failures, so clients
// never see a bare HTTP error for a parseable request.
func (a *API) OCSPRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/*", a.ocspGet)
	r.Post("/", a.ocspPost)
	return r
}

func (a *API) ocspGet(w http.ResponseWriter, r *http.Request) {
	if a.responder == nil {
		http.Error(w, "OCSP is not configured", http.StatusNotFound)
		return
	}
	encoded := chi.URLParam(r, "*")
	// Clients percent-escape the base64 path segment; some use the URL-safe
	// alphabet directly.
	if unescaped, err := url.PathUnescape(encoded); err == nil {
		encoded = unescaped
	}
	reqDER, err := decodeOCSPPath(encoded)
	if err != nil {
		a.writeOCSPResult(w, r, ocsp.Result{Outcome: ocsp.OutcomeMalformed, Response: stdocsp.MalformedRequestErrorResponse})
		return
	}
	a.writeOCSPResult(w, r, a.responder.Respond(r.Context(), reqDER))
}

func (a *API) ocspPost(w http.ResponseWriter, r *http.Request) {
	if a.responder == nil {
		http.Error(w, "OCSP is not configured", http.StatusNotFound)
		return
	}
	reqDER, err := io.ReadAll(io.LimitReader(r.Body, maxOCSPRequestBytes))
	if err != nil {
		a.writeOCSPResult(w, r, ocsp.Result{Outcome: ocsp.OutcomeMalformed, Response: stdocsp.MalformedRequestErrorResponse})
		return
	}
	a.writeOCSPResult(w, r, a.responder.Respond(r.Context(), reqDER))
}

// writeOCSPResult maps the responder outcome to an HTTP status while the
// body stays a signed (or pre-encoded error) OCSPResponse either way.
func (a *API) writeOCSPResult(w http.ResponseWriter, r *http.Request, res ocsp.Result) {
	status := http.StatusOK
	switch res.Outcome {
	case ocsp.OutcomeMalformed:
		status = http.StatusBadRequest
	case ocsp.OutcomeUnauthorized:
		status = http.StatusUnauthorized
	case ocsp.OutcomeInternal:
		status = http.StatusInternalServerError
	case ocsp.OutcomeSuccess:
		a.audit.log(AuditOCSPSigned, r)
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	w.WriteHeader(status)
	w.Write(res.Response)
}

// decodeOCSPPath decodes the GET path segment, accepting both standard and
// URL-safe base64 with or without padding.
func decodeOCSPPath(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if der, err := enc.DecodeString(s); err == nil {
			return der, nil
		}
	}
	return nil, base64.CorruptInputError(0)
}
