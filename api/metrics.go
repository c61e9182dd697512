package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the HTTP service. Each Metrics
// has its own registry so handlers can be built more than once in tests.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	searches         *prometheus.CounterVec
	reservations     *prometheus.CounterVec
	allocatedSlots   *prometheus.CounterVec
	hierarchyRefresh *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "varaamo",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "varaamo",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "varaamo",
			Name:      "first_reservable_searches_total",
			Help:      "First-reservable searches by outcome (reservable, open, closed, stale, invalid).",
		}, []string{"outcome"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "varaamo",
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome.",
		}, []string{"outcome"}),
		allocatedSlots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "varaamo",
			Name:      "allocation_results_total",
			Help:      "Slots allocated and sections rejected by allocation runs.",
		}, []string{"result"}),
		hierarchyRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "varaamo",
			Name:      "hierarchy_refreshes_total",
			Help:      "Space hierarchy rebuilds by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.requests, m.requestDuration, m.searches, m.reservations, m.allocatedSlots, m.hierarchyRefresh,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency per chi route pattern, so
// unit ids in paths do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) searchOutcome(outcome string)     { m.searches.WithLabelValues(outcome).Inc() }
func (m *Metrics) reservationOutcome(outcome string) { m.reservations.WithLabelValues(outcome).Inc() }

func (m *Metrics) allocationRun(allocated, rejected int) {
	m.allocatedSlots.WithLabelValues("allocated").Add(float64(allocated))
	m.allocatedSlots.WithLabelValues("rejected").Add(float64(rejected))
}

func (m *Metrics) refreshOutcome(err error) {
	if err != nil {
		m.hierarchyRefresh.WithLabelValues("error").Inc()
		return
	}
	m.hierarchyRefresh.WithLabelValues("ok").Inc()
}
