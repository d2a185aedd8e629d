package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/anstrom/scanwatch/internal/export"
	"github.com/anstrom/scanwatch/internal/logging"
)

const defaultExportFormat = "json"

// Exporter renders job artifacts.
type Exporter interface {
	Export(ctx context.Context, id, format string) (*export.Artifact, error)
	Formats() []string
}

// ExportHandler serves export artifacts and the format list.
type ExportHandler struct {
	exporter Exporter
	logger   *logging.Logger
}

// NewExportHandler creates an export handler.
func NewExportHandler(exporter Exporter, logger *logging.Logger) *ExportHandler {
	return &ExportHandler{
		exporter: exporter,
		logger:   logger.WithComponent("api.export"),
	}
}

// FormatsResponse lists the registered export formats.
type FormatsResponse struct {
	Formats []string `json:"formats"`
}

// Export handles GET /api/v1/jobs/{id}/export.
//
// @Summary Export a completed job
// @Description Renders the job's current result. Artifacts are regenerated on every call.
// @Tags Export
// @Produce octet-stream
// @Param id path string true "job id"
// @Param format query string false "export format" default(json)
// @Success 200 {file} binary
// @Success 304 "not modified"
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 415 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /jobs/{id}/export [get]
func (h *ExportHandler) Export(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = defaultExportFormat
	}

	artifact, err := h.exporter.Export(r.Context(), id, format)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.Header().Set("ETag", artifact.ETag)
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && match == artifact.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+artifact.Filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(artifact.Data); err != nil {
		h.logger.Debug("export write failed", "job_id", id, "error", err)
	}
}

// Formats handles GET /api/v1/formats.
//
// @Summary List export formats
// @Tags Export
// @Produce json
// @Success 200 {object} FormatsResponse
// @Router /formats [get]
func (h *ExportHandler) Formats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, FormatsResponse{Formats: h.exporter.Formats()})
}
