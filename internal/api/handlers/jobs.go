package handlers

import (
	"net/http"
	"strings"

	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/models"
	"github.com/anstrom/scanwatch/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// JobHandler handles job submission, query, listing and cancellation.
type JobHandler struct {
	jobs           JobService
	logger         *logging.Logger
	defaults       func(models.ScanOptions) models.ScanOptions
	maxRequestSize int64
}

// NewJobHandler creates a job handler. defaults, when set, fills options the
// submitter left empty before validation.
func NewJobHandler(
	jobs JobService,
	logger *logging.Logger,
	defaults func(models.ScanOptions) models.ScanOptions,
	maxRequestSize int64,
) *JobHandler {
	return &JobHandler{
		jobs:           jobs,
		logger:         logger.WithComponent("api.jobs"),
		defaults:       defaults,
		maxRequestSize: maxRequestSize,
	}
}

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	Targets []string           `json:"targets" example:"192.0.2.10"`
	Options models.ScanOptions `json:"options"`
}

// SubmitResponse is returned for an accepted submission.
type SubmitResponse struct {
	JobID string `json:"job_id" example:"6f1c2b9e-4b7a-4f7e-9d7c-2f3b8f6a1c10"`
}

// CancelResponse is returned for an accepted cancellation.
type CancelResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status" example:"cancel_requested"`
}

// JobListResponse is the body of GET /jobs.
type JobListResponse struct {
	Jobs  []*models.ScanJob `json:"jobs"`
	Count int               `json:"count"`
}

// Submit handles POST /api/v1/jobs.
//
// @Summary Submit a scan job
// @Description Validates the targets and options, queues a job and returns its id immediately
// @Tags Jobs
// @Accept json
// @Produce json
// @Param request body SubmitRequest true "targets and scan options"
// @Success 202 {object} SubmitResponse
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /jobs [post]
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := parseJSON(w, r, &req, h.maxRequestSize); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	opts := req.Options
	if h.defaults != nil {
		opts = h.defaults(opts)
	}

	id, err := h.jobs.Submit(r.Context(), req.Targets, opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Location", "/api/v1/jobs/"+id)
	writeJSON(w, r, http.StatusAccepted, SubmitResponse{JobID: id})
}

// List handles GET /api/v1/jobs.
//
// @Summary List jobs
// @Description state=active lists non-terminal jobs; otherwise all jobs, optionally filtered by a comma separated state list
// @Tags Jobs
// @Produce json
// @Param state query string false "active, or comma separated states"
// @Param limit query int false "maximum jobs returned" default(100)
// @Param offset query int false "jobs skipped"
// @Success 200 {object} JobListResponse
// @Failure 400 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /jobs [get]
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")

	var (
		jobs []*models.ScanJob
		err  error
	)
	if state == "active" {
		jobs, err = h.jobs.ListActive(r.Context())
	} else {
		var filter store.ListFilter
		filter, err = listFilter(r, state)
		if err == nil {
			jobs, err = h.jobs.List(r.Context(), filter)
		}
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if jobs == nil {
		jobs = []*models.ScanJob{}
	}
	writeJSON(w, r, http.StatusOK, JobListResponse{Jobs: jobs, Count: len(jobs)})
}

func listFilter(r *http.Request, state string) (store.ListFilter, error) {
	var filter store.ListFilter
	if state != "" {
		for _, s := range strings.Split(state, ",") {
			js := models.JobState(strings.TrimSpace(s))
			if !js.Valid() {
				return filter, errors.ErrValidation("invalid state filter: " + s)
			}
			filter.States = append(filter.States, js)
		}
	}

	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		return filter, err
	}
	if limit == 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return filter, err
	}

	filter.Limit = limit
	filter.Offset = offset
	return filter, nil
}

// Get handles GET /api/v1/jobs/{id}.
//
// @Summary Query a job
// @Description Returns the latest persisted snapshot of a job
// @Tags Jobs
// @Produce json
// @Param id path string true "job id"
// @Success 200 {object} models.ScanJob
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /jobs/{id} [get]
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	job, err := h.jobs.Query(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// Cancel handles DELETE /api/v1/jobs/{id}.
//
// @Summary Cancel a job
// @Description Removes a queued job or stops a running one. The terminal state is reported on the event stream.
// @Tags Jobs
// @Produce json
// @Param id path string true "job id"
// @Success 202 {object} CancelResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /jobs/{id} [delete]
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := h.jobs.Cancel(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.InfoJob("cancel requested", id, "remote_addr", r.RemoteAddr)
	writeJSON(w, r, http.StatusAccepted, CancelResponse{JobID: id, Status: "cancel_requested"})
}
