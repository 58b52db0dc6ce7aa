package api

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/caforge/caforge/ca"
	"github.com/caforge/caforge/scep"
)

// maxSCEPMessageBytes bounds pkiMessage bodies.
const maxSCEPMessageBytes = 1 << 20

// SCEP HTTP content types (RFC 8894 §4).
const (
	contentTypeCACert   = "application/x-x509-ca-cert"
	contentTypeCARACert = "application/x-x509-ca-ra-cert"
	contentTypePKI      = "application/x-pki-message"
)

// SCEPRoutes serves the RFC 8894 transport: a single pkiclient.exe
// endpoint dispatching on the operation query parameter, over GET (message
// in the query) and POST (message in the body).
func (a *API) SCEPRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/pkiclient.exe", a.scepOperation)
	r.Post("/pkiclient.exe", a.scepOperation)
	return r
}

func (a *API) scepOperation(w http.ResponseWriter, r *http.Request) {
	switch op := r.URL.Query().Get("operation"); op {
	case "GetCACaps":
		// Capability discovery stays available even when enrollment is
		// disabled, so clients can probe before configuration exists.
		w.Header().Set("Content-Type", "text/plain")
		if a.scep != nil {
			w.Write(a.scep.Capabilities())
			return
		}
		caps := scep.DefaultCapabilities
		for i, c := range caps {
			if i > 0 {
				w.Write([]byte("\n"))
			}
			w.Write([]byte(c))
		}
	case "GetCACert":
		a.scepGetCACert(w, r)
	case "PKCSReq", "GetCRL", "GetCert", "CertPoll":
		a.scepPKIOperation(w, r)
	default:
		http.Error(w, "unsupported operation", http.StatusBadRequest)
	}
}

func (a *API) scepGetCACert(w http.ResponseWriter, r *http.Request) {
	if a.scep == nil {
		http.Error(w, "SCEP is not configured", http.StatusNotFound)
		return
	}
	payload, count, err := a.scep.CACert(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if count > 1 {
		w.Header().Set("Content-Type", contentTypeCARACert)
	} else {
		w.Header().Set("Content-Type", contentTypeCACert)
	}
	w.Write(payload)
}

func (a *API) scepPKIOperation(w http.ResponseWriter, r *http.Request) {
	if a.scep == nil {
		http.Error(w, "SCEP is not configured", http.StatusNotFound)
		return
	}
	msg, err := scepMessage(r)
	if err != nil {
		a.audit.logFailure(AuditSCEPFailure, r, "unreadable message")
		http.Error(w, "missing or undecodable message", http.StatusBadRequest)
		return
	}

	rep, err := a.scep.PKIOperation(r.Context(), msg)
	switch {
	case err == nil:
		a.audit.log(AuditSCEPEnrolled, r)
		w.Header().Set("Content-Type", contentTypePKI)
		w.Write(rep)
	case errors.Is(err, ca.ErrInvalidInput):
		a.audit.logFailure(AuditSCEPFailure, r, "malformed pkiMessage")
		http.Error(w, "malformed pkiMessage", http.StatusBadRequest)
	default:
		a.audit.logFailure(AuditSCEPFailure, r, "operation failed")
		a.auditSigningFailure(r, err, slog.String("protocol", "scep"))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// scepMessage extracts the raw pkiMessage DER: the base64 message query
// parameter on GET, the request body on POST.
func scepMessage(r *http.Request) ([]byte, error) {
	if r.Method == http.MethodGet {
		msg := r.URL.Query().Get("message")
		if msg == "" {
			return nil, errors.New("missing message parameter")
		}
		der, err := base64.StdEncoding.DecodeString(msg)
		if err != nil {
			// Some clients do not percent-escape and the '+' arrives as a
			// space.
			der, err = base64.StdEncoding.DecodeString(spacesToPlus(msg))
		}
		return der, err
	}
	return io.ReadAll(io.LimitReader(r.Body, maxSCEPMessageBytes))
}

func spacesToPlus(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] == ' ' {
			b[i] = '+'
		}
	}
	return string(b)
}
