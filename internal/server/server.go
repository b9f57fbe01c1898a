// Package server implements the FileGate HTTP server and route multiplexer.
package server

import (
	"context"
	"net/http"

	"github.com/filegate/filegate/internal/handlers"
	"github.com/filegate/filegate/internal/namespace"
	"github.com/filegate/filegate/internal/resumable"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the FileGate HTTP server. It routes file, namespace, and
// resumable-upload requests to their handlers.
type Server struct {
	router     chi.Router
	api        huma.API
	files      *handlers.FileHandler
	chunks     *handlers.ResumableHandler
	httpServer *http.Server
}

// Options holds server-level limits and settings.
type Options struct {
	// MaxUploadSize caps the single-shot upload body in bytes; zero means
	// unlimited. Resumable uploads are bounded separately by the engine.
	MaxUploadSize int64
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New creates a Server and wires all routes on a Chi router with a Huma API
// for the documented endpoints.
func New(ns *namespace.Service, engine *resumable.Engine, opts Options) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("FileGate API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		router: router,
		api:    api,
		files:  handlers.NewFileHandler(ns, opts.MaxUploadSize),
		chunks: handlers.NewResumableHandler(engine),
	}
	s.registerRoutes()
	return s
}

// Handler returns the server's root handler with the middleware chain
// applied: metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address. The returned
// http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router. Huma routes
// (/health, /docs, /openapi.json) and /metrics live beside the /v1 API.
func (s *Server) registerRoutes() {
	// /health via Huma for auto-OpenAPI documentation.
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the FileGate server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// HEAD /health separately (Huma registers one method per operation).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Route("/namespaces", func(r chi.Router) {
			r.Get("/", s.files.ListNamespaces)
			r.Post("/", s.files.CreateNamespace)
			r.Route("/{namespace}", func(r chi.Router) {
				r.Get("/", s.files.GetNamespace)
				r.Delete("/", s.files.DeleteNamespace)
				r.Route("/files", func(r chi.Router) {
					r.Get("/", s.files.List)
					r.Post("/", s.files.Upload)
					r.Delete("/", s.files.Truncate)
					r.Get("/{id}", s.files.Download)
					r.Get("/{id}/meta", s.files.GetMeta)
					r.Delete("/{id}", s.files.Delete)
				})
			})
		})
		r.Route("/uploads/resumable", func(r chi.Router) {
			r.Post("/", s.chunks.UploadChunk)
			r.Get("/", s.chunks.Status)
		})
	})
}
