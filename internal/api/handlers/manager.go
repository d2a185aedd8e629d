package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/anstrom/scanwatch/internal/hub"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/models"
)

// EventHub is the hub surface used by the handlers.
type EventHub interface {
	Subscriber
	SessionCounter
}

// Dependencies are the services the handlers front.
type Dependencies struct {
	Jobs     JobService
	Exporter Exporter
	Hub      EventHub
	Store    Pinger // nil for the in-memory store

	// ScanDefaults fills submission options left empty.
	ScanDefaults func(models.ScanOptions) models.ScanOptions

	MaxRequestSize   int64
	SessionQueueSize int
	AllowedOrigins   []string
}

// HandlerManager manages all API handlers and their dependencies.
type HandlerManager struct {
	health    *HealthHandler
	jobs      *JobHandler
	export    *ExportHandler
	websocket *WebSocketHandler
}

// New creates a new handler manager with all handler groups initialized.
func New(deps Dependencies, logger *logging.Logger) *HandlerManager {
	return &HandlerManager{
		health:    NewHealthHandler(deps.Store, deps.Hub, logger),
		jobs:      NewJobHandler(deps.Jobs, logger, deps.ScanDefaults, deps.MaxRequestSize),
		export:    NewExportHandler(deps.Exporter, logger),
		websocket: NewWebSocketHandler(deps.Hub, logger, deps.SessionQueueSize, deps.AllowedOrigins),
	}
}

// Register mounts every endpoint on api, which is expected to be the /api/v1 subrouter.
func (hm *HandlerManager) Register(api *mux.Router) {
	api.HandleFunc("/health", hm.health.Health).Methods(http.MethodGet)
	api.HandleFunc("/status", hm.health.Status).Methods(http.MethodGet)
	api.HandleFunc("/version", hm.health.Version).Methods(http.MethodGet)

	api.HandleFunc("/jobs", hm.jobs.Submit).Methods(http.MethodPost)
	api.HandleFunc("/jobs", hm.jobs.List).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", hm.jobs.Get).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", hm.jobs.Cancel).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/export", hm.export.Export).Methods(http.MethodGet)
	api.HandleFunc("/formats", hm.export.Formats).Methods(http.MethodGet)

	api.HandleFunc("/events", hm.websocket.Events).Methods(http.MethodGet)
}

var _ EventHub = (*hub.Hub)(nil)
