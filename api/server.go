/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in request logs
  2. Logger:     Request logging through zap
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Request counts and latency per route pattern
  5. Timeout:    Cancels the request context after RequestTimeout
  6. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /health               Liveness and database check
  /metrics              Prometheus exposition (when enabled)
  /api/units/*          Units, opening hours, availability
  /api/first-reservable Multi-unit search
  /api/reservations     Reservation creation
  /api/rounds/*         Application rounds and allocation runs
  /api/sections/*       Application sections and manual allocation
  /api/admin/*          Space tree and hierarchy
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions tunes NewRouter. The zero value serves metrics on /metrics
// with no request timeout.
type RouterOptions struct {
	RequestTimeout time.Duration
	MetricsPath    string
	DisableMetrics bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(h.Metrics.Middleware)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	if !opts.DisableMetrics {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, h.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/units", func(r chi.Router) {
			r.Get("/", h.ListUnits)
			r.Put("/{unitID}", h.PutUnit)
			r.Put("/{unitID}/opening-hours", h.PutOpeningHours)
			r.Get("/{unitID}/calendar", h.GetCalendar)
			r.Get("/{unitID}/first-reservable", h.FirstReservable)
			r.Post("/{unitID}/availability", h.CheckAvailability)
		})
		r.Get("/first-reservable", h.FirstReservableMany)

		r.Post("/reservations", h.CreateReservation)

		r.Route("/rounds", func(r chi.Router) {
			r.Put("/{roundID}", h.PutRound)
			r.Put("/{roundID}/status", h.SetRoundStatus)
			r.Post("/{roundID}/allocate", h.AllocateRound)
			r.Get("/{roundID}/allocations", h.ListAllocations)
		})

		r.Route("/sections", func(r chi.Router) {
			r.Put("/{sectionID}", h.PutSection)
			r.Post("/{sectionID}/allocations", h.AllocateManualSlot)
			r.Post("/{sectionID}/allocations/validate", h.ValidateManualSlot)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Put("/spaces", h.PutSpaceTree)
			r.Post("/hierarchy/refresh", h.RefreshHierarchy)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
			)
		})
	}
}
