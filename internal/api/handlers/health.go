package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/anstrom/scanwatch/internal/logging"
)

// Pinger defines the interface for store health checking.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter reports connected event stream sessions.
type SessionCounter interface {
	Sessions() int
}

const healthCheckTimeout = 5 * time.Second

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// HealthHandler handles health check, status and version endpoints.
type HealthHandler struct {
	store     Pinger
	sessions  SessionCounter
	logger    *logging.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler. store may be nil for the
// in-memory driver.
func NewHealthHandler(store Pinger, sessions SessionCounter, logger *logging.Logger) *HealthHandler {
	return &HealthHandler{
		store:     store,
		sessions:  sessions,
		logger:    logger.WithComponent("api.health"),
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status" example:"healthy"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime" example:"2h30m45s"`
	Checks    map[string]string `json:"checks"`
}

// StatusResponse represents a detailed status response.
type StatusResponse struct {
	Service    string    `json:"service"`
	Version    string    `json:"version"`
	PID        int       `json:"pid"`
	Uptime     string    `json:"uptime"`
	Goroutines int       `json:"goroutines"`
	Sessions   int       `json:"sessions"`
	Timestamp  time.Time `json:"timestamp"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string    `json:"version" example:"0.3.0"`
	Commit    string    `json:"commit"`
	BuildTime string    `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// Health performs a basic health check.
//
// @Summary Health check
// @Description Returns service health; 503 when the job store is unreachable
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    make(map[string]string),
	}

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			response.Status = StatusUnhealthy
			response.Checks["store"] = "failed"
			h.logger.Warn("Store health check failed", "error", err)
		} else {
			response.Checks["store"] = "ok"
		}
	} else {
		response.Checks["store"] = "memory"
	}

	if h.sessions != nil {
		response.Checks["hub"] = "ok"
	} else {
		response.Checks["hub"] = StatusNotConfigured
	}

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)
}

// Status provides process status information.
//
// @Summary System status
// @Tags System
// @Produce json
// @Success 200 {object} StatusResponse
// @Security ApiKeyAuth
// @Router /status [get]
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{
		Service:    "scanwatch",
		Version:    version,
		PID:        os.Getpid(),
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now().UTC(),
	}
	if h.sessions != nil {
		response.Sessions = h.sessions.Sessions()
	}
	writeJSON(w, r, http.StatusOK, response)
}

// Version provides version information.
//
// @Summary Version
// @Tags System
// @Produce json
// @Success 200 {object} VersionResponse
// @Router /version [get]
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
		Timestamp: time.Now().UTC(),
	})
}

// Build information, set via ldflags through SetBuildInfo.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// SetBuildInfo sets build information (called by main package).
func SetBuildInfo(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}
