// Package api exposes the engine over HTTP: the unauthenticated protocol
// surface (CRL distribution, OCSP, SCEP, EST) and the management JSON API
// consumed by the administrative layer. Handlers translate engine errors
// into protocol-mandated failure encodings; the management routes map them
// to HTTP statuses instead.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/caforge/caforge/ca"
	"github.com/caforge/caforge/est"
	"github.com/caforge/caforge/ocsp"
	"github.com/caforge/caforge/scep"
	"github.com/caforge/caforge/storage"
)

//go:embed openapi.yaml
var openapiSpec []byte

// API holds the dependencies needed by the HTTP handlers. The SCEP, EST,
// and OCSP engines are optional; their routes answer 404 (or the protocol
// equivalent) when the engine is not configured.
type API struct {
	store     storage.Store
	authority *ca.Engine
	responder *ocsp.Responder
	scep      *scep.Engine
	est       *est.Engine

	audit      *auditLogger
	estLimiter *authRateLimiter
	alertFn    AlertFunc
	mgmtAuth   func(http.Handler) http.Handler
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events. If not set, a
// default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithOCSP attaches an OCSP responder and enables the /ocsp routes.
func WithOCSP(r *ocsp.Responder) Option {
	return func(a *API) { a.responder = r }
}

// WithSCEP attaches a SCEP engine and enables the /scep routes.
func WithSCEP(e *scep.Engine) Option {
	return func(a *API) { a.scep = e }
}

// WithEST attaches an EST engine and enables the /.well-known/est routes.
func WithEST(e *est.Engine) Option {
	return func(a *API) { a.est = e }
}

// WithAlertFunc installs an anomaly alert callback fed by the audit
// stream's sliding-window counters.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithManagementAuth installs middleware in front of the management routes
// only; the protocol endpoints stay open. Validating whatever credential
// the fronting layer issues is the caller's concern.
func WithManagementAuth(mw func(http.Handler) http.Handler) Option {
	return func(a *API) { a.mgmtAuth = mw }
}

// New creates a new API instance over the store and CA engine.
func New(store storage.Store, authority *ca.Engine, opts ...Option) *API {
	a := &API{
		store:      store,
		authority:  authority,
		estLimiter: newAuthRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	return a
}

// Handler assembles the complete HTTP surface: protocol endpoints at their
// well-known paths, the management API under /api/v1, and a health check.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Mount("/cdp", a.CDPRoutes())
	r.Mount("/ocsp", a.OCSPRoutes())
	r.Mount("/scep", a.SCEPRoutes())
	r.Mount("/.well-known/est", a.ESTRoutes())
	r.Mount("/api/v1", a.Router())

	return r
}

// Router returns the management API routes. These are internal function
// calls dressed as HTTP for the administrative layer; authentication of
// that layer is a collaborator concern and happens in front of this
// router.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	if a.mgmtAuth != nil {
		r.Use(a.mgmtAuth)
	}

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/cas", a.CreateCA)
	r.Get("/cas", a.ListCAs)
	r.Get("/cas/{caRef}", a.GetCA)
	r.Get("/cas/{caRef}/chain", a.GetCAChain)
	r.Post("/cas/{caRef}/crl", a.GenerateCRL)
	r.Post("/cas/{caRef}/certificates", a.IssueCertificate)
	r.Get("/cas/{caRef}/certificates", a.ListCertificates)

	r.Get("/certificates/{certID}", a.GetCertificate)
	r.Post("/certificates/{certID}/revoke", a.RevokeCertificate)
	r.Post("/certificates/{certID}/renew", a.RenewCertificate)

	r.Get("/scep/requests", a.ListSCEPRequests)
	r.Get("/scep/requests/{transactionID}", a.GetSCEPRequest)
	r.Post("/scep/requests/{transactionID}/approve", a.ApproveSCEPRequest)
	r.Post("/scep/requests/{transactionID}/reject", a.RejectSCEPRequest)

	return r
}
