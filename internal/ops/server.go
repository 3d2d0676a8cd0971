package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/priceoracle/internal/queue"
)

// HealthChecker reports whether a backend is reachable. All oracle backends
// are optional, so a false here means degraded, not down.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// QueueInspector is the slice of the queue the ops surface needs.
type QueueInspector interface {
	Available(ctx context.Context) bool
	Stats(ctx context.Context) queue.Stats
}

// Components are the probed subsystems. Nil entries are reported as absent
// rather than unhealthy.
type Components struct {
	Store HealthChecker
	Cache HealthChecker
	Queue QueueInspector
}

// Server is the operational HTTP listener: health, Prometheus metrics, and
// queue statistics. It carries no service API.
type Server struct {
	router     *mux.Router
	server     *http.Server
	components Components
}

// NewServer builds the ops listener on addr. gatherer defaults to the
// global Prometheus registry.
func NewServer(addr string, components Components, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		router:     mux.NewRouter(),
		components: components,
	}

	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving until Shutdown or failure.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("ops listener started")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status     string          `json:"status"`
	Components map[string]bool `json:"components"`
	Timestamp  string          `json:"timestamp"`
}

// handleHealth reports per-component reachability. The process is "ok" only
// when every configured backend responds; otherwise "degraded". Degraded is
// still HTTP 200 because the resolver keeps serving without its optional
// backends.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := map[string]bool{}
	if s.components.Store != nil {
		checks["store"] = s.components.Store.Healthy(ctx)
	}
	if s.components.Cache != nil {
		checks["cache"] = s.components.Cache.Healthy(ctx)
	}
	if s.components.Queue != nil {
		checks["queue"] = s.components.Queue.Available(ctx)
	}

	status := "ok"
	for _, healthy := range checks {
		if !healthy {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:     status,
		Components: checks,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.components.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.components.Queue.Stats(r.Context()))
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "unknown endpoint")
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Msg("ops request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("ops response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
