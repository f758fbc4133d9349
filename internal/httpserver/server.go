package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/crosslogic/control-plane/internal/control"
	"github.com/crosslogic/control-plane/pkg/cache"
	"github.com/crosslogic/control-plane/pkg/database"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config configures the router's auth and throttling parameters.
type Config struct {
	AdminToken             string
	WebhookRateLimitPerMin int64
	MetricsPath            string
}

// New assembles the chi router exposing the webhook endpoint, the Task
// Control API, and operational endpoints. Structured the way the corpus's
// gateway builds its router: security headers and standard middleware
// first, public routes next, admin routes last behind their own
// authentication group.
func New(cfg Config, webhook http.Handler, controlHandlers *control.Handlers, db *database.Database, c *cache.Cache, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(securityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(requestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*.crosslogic.ai"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Admin-Token", "Signature"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSONRoot(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Health(r.Context()); err != nil {
			writeJSONRoot(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSONRoot(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Handle(metricsPath, promhttp.Handler())

	r.With(rateLimit(c, cfg.WebhookRateLimitPerMin, logger)).Post("/webhooks/payments", webhook.ServeHTTP)

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(adminAuth(cfg.AdminToken, logger))
		controlHandlers.Mount(admin)
	})

	return r
}

func writeJSONRoot(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
