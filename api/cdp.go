package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/caforge/caforge/ca"
	"github.com/caforge/caforge/storage"
)

// CDPRoutes serves CRL distribution: unauthenticated, read-only downloads
// of each CA's current revocation list in PEM and DER form.
func (a *API) CDPRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{caRef}/crl.pem", a.serveCRLPEM)
	r.Get("/{caRef}/crl.der", a.serveCRLDER)
	return r
}

func (a *API) serveCRLPEM(w http.ResponseWriter, r *http.Request) {
	info, ok := a.loadCRL(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write([]byte(info.PEM))
}

func (a *API) serveCRLDER(w http.ResponseWriter, r *http.Request) {
	info, ok := a.loadCRL(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/pkix-crl")
	w.Write(info.DER)
}

// loadCRL fetches the CA's current CRL, generating the first one on demand
// when the CA can sign. A key-less CA has no list to serve.
func (a *API) loadCRL(w http.ResponseWriter, r *http.Request) (*storage.CRLInfo, bool) {
	caRef := chi.URLParam(r, "caRef")
	info, err := a.authority.CurrentCRL(r.Context(), caRef)
	switch {
	case err == nil:
		return info, true
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "unknown CA", http.StatusNotFound)
	case errors.Is(err, ca.ErrNoSigningKey):
		http.Error(w, "CA cannot sign revocation lists", http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
	return nil, false
}
