// Package api serves the caucase HTTP interface for a service authority
// (/cas) and a user authority (/cau).
//
// Reads are anonymous. Operations an operator performs (listing and
// deleting requests, signing, revoking by serial) require a TLS client
// certificate issued by the user authority.
package api

import (
	_ "embed"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	openapi "github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jmcleod/caucase/ca"
	"github.com/jmcleod/caucase/internal/logging"
)

// MaxBodySize bounds every request body.
const MaxBodySize = 10 << 20

//go:embed openapi.yaml
var openapiSpec []byte

// API holds the dependencies needed by the REST handlers.
type API struct {
	cas *ca.Authority
	cau *ca.Authority

	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger used for request and failure logs.
func WithLogger(logger *zap.Logger) Option {
	return func(a *API) {
		a.log = logger
	}
}

// WithRegistry sets the registry the metrics are registered with and
// served from.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(a *API) {
		a.registry = registry
	}
}

// New creates a new API serving cas and cau. cau also authenticates the
// operators of both.
func New(cas, cau *ca.Authority, opts ...Option) *API {
	a := &API{cas: cas, cau: cau}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logging.L
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	a.metrics = newMetrics(a.registry, map[string]*ca.Authority{"cas": cas, "cau": cau})
	return a
}

// Router returns a chi.Router with all routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.InstrumentMetricHandler(
		a.registry,
		promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
	))

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Group(func(r chi.Router) {
		r.Use(docsPolicy)
		r.Handle("/docs*", openapi.SwaggerUI(openapi.SwaggerUIOpts{
			SpecURL: "/openapi.yaml",
			Path:    "docs",
		}, http.NotFoundHandler()))
		r.Handle("/redoc*", openapi.Redoc(openapi.RedocOpts{
			SpecURL: "/openapi.yaml",
			Path:    "redoc",
		}, http.NotFoundHandler()))
	})

	r.Group(func(r chi.Router) {
		r.Use(a.metrics.middleware)
		r.Route("/cas", a.authorityRoutes("cas", a.cas))
		r.Route("/cau", a.authorityRoutes("cau", a.cau))
	})
	return r
}

func (a *API) authorityRoutes(name string, authority *ca.Authority) func(chi.Router) {
	h := &handlers{api: a, name: name, authority: authority}
	return func(r chi.Router) {
		r.Get("/crl", h.getCRLs)
		r.Get("/crl/{aki}", h.getCRL)

		r.Get("/csr", h.listCSRs)
		r.Put("/csr", h.putCSR)
		r.Get("/csr/{id}", h.getCSR)
		r.Delete("/csr/{id}", h.deleteCSR)

		r.Get("/crt/ca.crt.pem", h.getCACertificate)
		r.Get("/crt/ca.crt.json", h.getCACertificateChain)
		r.Put("/crt/revoke", h.revoke)
		r.Put("/crt/renew", h.renew)
		r.Get("/crt/{id}", h.getCertificate)
		r.Put("/crt/{id}", h.createCertificate)
	}
}
