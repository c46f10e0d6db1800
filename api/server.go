/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. Correlation:   callId header, generated when absent
  3. Tracing:       OpenTelemetry server span, traceparent honored
  4. RequestLogger: slog line and route counter per request
  5. Recoverer:     Panic recovery (500 instead of crash)
  6. CORS:          Cross-origin requests for internal tooling

ROUTES:
  POST   /api/cases            Create a case
  PATCH  /api/cases            Close or discard a case
  POST   /api/ledgers          Export ledgers of a subject
  POST   /api/ledgers/history  Archived snapshots of one relationship
  DELETE /api/subjects         Delete a relationship or a whole subject
  GET    /isalive, /isready    Probes
  GET    /metrics              Prometheus

  Ledger reads are POST so that subject ids travel in the body, never in
  URLs or access logs.

SECURITY NOTE:
  No authentication middleware. The API is expected to run behind the
  platform's service mesh.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/case-ledger/metrics"
)

// RouterConfig holds the optional collaborators of the router.
type RouterConfig struct {
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = h.logger
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(Correlation)
	r.Use(Tracing)
	r.Use(RequestLogger(logger, cfg.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", CallIDHeader},
		ExposedHeaders:   []string{CallIDHeader},
		AllowCredentials: true,
	}))

	// Probes
	r.Get("/isalive", h.IsAlive)
	r.Get("/isready", h.IsReady)
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/cases", func(r chi.Router) {
			r.Post("/", h.CreateCase)
			r.Patch("/", h.SetCaseStatus)
		})
		r.Route("/ledgers", func(r chi.Router) {
			r.Post("/", h.GetLedgers)
			r.Post("/history", h.GetHistory)
		})
		r.Delete("/subjects", h.DeleteSubject)
	})

	return r
}
