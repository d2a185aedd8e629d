// Package api provides the HTTP REST API and event stream for scanwatch.
//
// @title scanwatch API
// @version 1.0
// @description Asynchronous scan job orchestration with a real-time event stream.
// @description Most endpoints require an API key in the `X-API-Key` header.
// @description Public endpoints (health, version, formats, metrics) do not.
//
// @BasePath /api/v1
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
//go:generate swag init -g internal/api/server.go -d ../.. -o ../../docs/swagger --parseInternal
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "github.com/anstrom/scanwatch/docs/swagger" // registers the OpenAPI document with swag
	apihandlers "github.com/anstrom/scanwatch/internal/api/handlers"
	"github.com/anstrom/scanwatch/internal/api/middleware"
	"github.com/anstrom/scanwatch/internal/config"
	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/metrics"
)

const (
	serverShutdownTimeout = 30 * time.Second
	apiPrefix             = "/api/v1"
)

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	handler    http.Handler
	config     config.APIConfig
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics
}

// Dependencies are the services the server exposes.
type Dependencies = apihandlers.Dependencies

// New creates a new API server instance. prom may be nil, in which case
// /metrics is not served and request metrics are discarded.
func New(cfg *config.Config, deps Dependencies, logger *logging.Logger, prom *metrics.PrometheusMetrics) *Server {
	logger = logger.WithComponent("api")

	if deps.ScanDefaults == nil {
		deps.ScanDefaults = cfg.ApplyScanDefaults
	}
	if deps.MaxRequestSize == 0 {
		deps.MaxRequestSize = cfg.API.MaxRequestSize
	}
	if deps.SessionQueueSize == 0 {
		deps.SessionQueueSize = cfg.Hub.SessionQueueSize
	}
	if deps.AllowedOrigins == nil && cfg.API.CORS.Enabled {
		deps.AllowedOrigins = cfg.API.CORS.AllowedOrigins
	}

	s := &Server{
		router:  mux.NewRouter(),
		config:  cfg.API,
		logger:  logger,
		metrics: prom,
	}

	s.setupMiddleware()
	s.setupRoutes(deps)
	s.handler = s.wrap(s.router)

	s.httpServer = &http.Server{
		Addr:         cfg.GetAPIAddress(),
		Handler:      s.handler,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}
	if cfg.API.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server",
		"address", s.httpServer.Addr,
		"tls", s.config.TLS.Enabled,
		"auth", s.config.Auth.Enabled)

	errChan := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLS.Enabled {
			err = s.httpServer.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(deps Dependencies) {
	api := s.router.PathPrefix(apiPrefix).Subrouter()
	apihandlers.New(deps, s.logger).Register(api)

	if s.metrics != nil {
		api.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	if s.config.EnableDocs {
		s.router.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
			httpSwagger.URL("/swagger/doc.json"),
			httpSwagger.DeepLinking(true),
			httpSwagger.DocExpansion("none"),
		))
		s.router.HandleFunc("/docs", s.redirectToSwagger).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusNotFound, errors.CodeNotFound, "route not found")
	})
}

// setupMiddleware configures the middleware run for matched routes.
func (s *Server) setupMiddleware() {
	var recorder metrics.Recorder = metrics.Nop{}
	if s.metrics != nil {
		recorder = s.metrics
	}

	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(recorder))
	s.router.Use(middleware.SecurityHeaders())

	if s.config.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(s.config.RateLimit.RequestsPerSecond, s.config.RateLimit.Burst)
		s.router.Use(limiter.Middleware(s.logger))
	}

	if s.config.Auth.Enabled {
		keys := make([]middleware.APIKey, 0, len(s.config.Auth.APIKeys))
		for _, k := range s.config.Auth.APIKeys {
			keys = append(keys, middleware.APIKey{Name: k.Name, Hash: k.Hash})
		}
		auth := middleware.NewAuthenticator(keys,
			"/",
			apiPrefix+"/health",
			apiPrefix+"/version",
			apiPrefix+"/formats",
			apiPrefix+"/metrics",
			"/docs",
			"/swagger/*",
		)
		s.router.Use(auth.Middleware(s.logger))
	}

	s.router.Use(middleware.ContentType())
}

// wrap adds the middleware that must also see unmatched routes and preflights.
func (s *Server) wrap(h http.Handler) http.Handler {
	if s.config.CORS.Enabled {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.config.CORS.AllowedOrigins),
			handlers.AllowedMethods(s.config.CORS.AllowedMethods),
			handlers.AllowedHeaders(s.config.CORS.AllowedHeaders),
			handlers.ExposedHeaders([]string{"ETag", "Content-Disposition", middleware.RequestIDHeader}),
		)(h)
	}
	return middleware.Recovery(s.logger)(h)
}

// index returns API information for root requests.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service": "scanwatch",
		"version": "v1",
		"endpoints": map[string]string{
			"jobs":    apiPrefix + "/jobs",
			"events":  apiPrefix + "/events",
			"formats": apiPrefix + "/formats",
			"health":  apiPrefix + "/health",
			"docs":    "/swagger/",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode API index response", "error", err)
	}
}

// redirectToSwagger redirects to the Swagger UI.
func (s *Server) redirectToSwagger(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/swagger/index.html", http.StatusMovedPermanently)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}
