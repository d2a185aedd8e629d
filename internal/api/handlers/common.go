// Package handlers provides HTTP request handlers for the scanwatch API.
// This file contains utilities shared across all handlers: JSON responses,
// error mapping and request parsing.
package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/anstrom/scanwatch/internal/api/middleware"
	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/models"
	"github.com/anstrom/scanwatch/internal/store"
)

// DefaultMaxRequestSize bounds request bodies when no limit is configured.
const DefaultMaxRequestSize = 1 << 20

// JobService is the job manager surface used by the handlers.
type JobService interface {
	Submit(ctx context.Context, targets []string, opts models.ScanOptions) (string, error)
	Cancel(ctx context.Context, id string) error
	Query(ctx context.Context, id string) (*models.ScanJob, error)
	ListActive(ctx context.Context) ([]*models.ScanJob, error)
	List(ctx context.Context, filter store.ListFilter) ([]*models.ScanJob, error)
}

// ErrorResponse is the documented shape of error bodies.
type ErrorResponse = middleware.ErrorBody

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code errors.ErrorCode) int {
	switch code {
	case errors.CodeValidation:
		return http.StatusBadRequest
	case errors.CodeUnauthorized:
		return http.StatusUnauthorized
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeInvalidState, errors.CodeConflict:
		return http.StatusConflict
	case errors.CodeUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case errors.CodeRateLimited:
		return http.StatusTooManyRequests
	case errors.CodeQueueFull, errors.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and writes the standard error body.
// Internal failures are logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	code := errors.GetCode(err)
	status := StatusFor(code)

	msg := err.Error()
	var jobErr *errors.JobError
	if stderrors.As(err, &jobErr) {
		msg = jobErr.Message
	}
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			"request_id", middleware.GetRequestID(r),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		msg = "internal server error"
	}

	middleware.WriteError(w, r, status, code, msg)
}

// parseJSON decodes a bounded JSON body into dest, rejecting unknown fields.
func parseJSON(w http.ResponseWriter, r *http.Request, dest interface{}, limit int64) error {
	if r.Body == nil {
		return errors.ErrValidation("request body is empty")
	}
	if limit <= 0 {
		limit = DefaultMaxRequestSize
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.ErrValidation(fmt.Sprintf("request body too large (max %d bytes)", limit))
		}
		return errors.ErrValidation(fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}

// pathID extracts the {id} path variable.
func pathID(r *http.Request) (string, error) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		return "", errors.ErrValidation("job id is required")
	}
	return id, nil
}

// queryInt extracts a non-negative integer query parameter with a default value.
func queryInt(r *http.Request, key string, defaultValue int) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, errors.ErrValidation(fmt.Sprintf("invalid %s parameter: %q", key, value))
	}
	return n, nil
}
