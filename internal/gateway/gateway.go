// Package gateway is the HTTP surface of the metering plane:
// telemetry ingestion, usage reads and reports, and the
// token-protected admin API for rate tables and meter lifecycle.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/billing"
	"github.com/gridpulse/metering-plane/internal/pipeline"
	"github.com/gridpulse/metering-plane/internal/store"
	"github.com/gridpulse/metering-plane/pkg/cache"
	"github.com/gridpulse/metering-plane/pkg/database"
	"github.com/gridpulse/metering-plane/pkg/events"
)

// Gateway handles API requests
type Gateway struct {
	store      store.Store
	pipeline   *pipeline.Pipeline
	rateSource billing.RateSource
	db         *database.Database
	cache      *cache.Cache
	eventBus   *events.Bus
	router     *chi.Mux
	adminToken string
	logger     *zap.Logger
}

// NewGateway creates a new API gateway. db and cache may be nil (the
// memory-store deployment used in tests); readiness then only covers
// the process itself.
func NewGateway(s store.Store, p *pipeline.Pipeline, rates billing.RateSource, db *database.Database, c *cache.Cache, bus *events.Bus, adminToken string, logger *zap.Logger) *Gateway {
	g := &Gateway{
		store:      s,
		pipeline:   p,
		rateSource: rates,
		db:         db,
		cache:      c,
		eventBus:   bus,
		router:     chi.NewRouter(),
		adminToken: adminToken,
		logger:     logger,
	}

	g.setupRoutes()
	return g
}

// Router returns the configured handler.
func (g *Gateway) Router() http.Handler {
	return g.router
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(30 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	g.router.Handle("/metrics", promhttp.Handler())
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Device and read endpoints
	g.router.Get("/api/telemetry", g.handleTelemetry)
	g.router.Get("/api/meters/{meter_id}", g.handleGetMeter)
	g.router.Get("/api/usage/{meter_id}/hourly", g.handleHourlyReport)
	g.router.Get("/api/usage/{meter_id}/weekly", g.handleWeeklyReport)
	g.router.Get("/api/usage/{meter_id}/yearly", g.handleYearlyReport)

	// Admin endpoints
	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Post("/admin/meters", g.handleRegisterMeter)
		r.Delete("/admin/meters/{meter_id}", g.handleDeleteMeter)
		r.Post("/api/meters/{meter_id}/threshold", g.handleSetThreshold)

		r.Get("/admin/rate-tables", g.handleListRateTables)
		r.Get("/admin/rate-tables/{region}", g.handleGetRateTable)
		r.Put("/admin/rate-tables/{region}", g.handlePutRateTable)
	})
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" {
			g.writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}

		// Constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.adminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if g.db != nil {
		if err := g.db.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "database not ready")
			return
		}
	}
	if g.cache != nil {
		if err := g.cache.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "cache not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Utility methods

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
		},
	})
}
