package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anstrom/scanwatch/internal/api/handlers"
	"github.com/anstrom/scanwatch/internal/api/middleware"
	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/export"
	"github.com/anstrom/scanwatch/internal/models"
)

const (
	apiPrefix        = "/api/v1"
	defaultUserAgent = "scanwatch-client/1.0"
	maxErrorBody     = 64 << 10
)

// APIError is a non-2xx response from the server. It unwraps to a
// *errors.JobError carrying the server's error code.
type APIError struct {
	StatusCode int
	Code       errors.ErrorCode
	Message    string
	RequestID  string
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("API error (status %d, request %s): %s", e.StatusCode, e.RequestID, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// Unwrap exposes the error code to errors.GetCode.
func (e *APIError) Unwrap() error {
	return errors.NewJobError(e.Code, e.Message)
}

// HTTPAPI implements API over the server's REST endpoints.
type HTTPAPI struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	userAgent  string
}

// NewHTTPAPI creates an API client for the server at serverURL.
func NewHTTPAPI(serverURL, apiKey string, timeout time.Duration) *HTTPAPI {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &HTTPAPI{
		baseURL: strings.TrimSuffix(serverURL, "/") + apiPrefix,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		userAgent: defaultUserAgent,
	}
}

// Close releases idle connections.
func (c *HTTPAPI) Close() {
	c.httpClient.CloseIdleConnections()
}

// Submit submits a scan job and returns its id.
func (c *HTTPAPI) Submit(ctx context.Context, targets []string, opts models.ScanOptions) (string, error) {
	var resp handlers.SubmitResponse
	err := c.doJSON(ctx, http.MethodPost, "/jobs", handlers.SubmitRequest{Targets: targets, Options: opts}, &resp)
	if err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// Cancel requests cancellation of a job.
func (c *HTTPAPI) Cancel(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil)
}

// Query fetches a job snapshot.
func (c *HTTPAPI) Query(ctx context.Context, id string) (*models.ScanJob, error) {
	var job models.ScanJob
	if err := c.doJSON(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListActive returns the non-terminal jobs in submission order.
func (c *HTTPAPI) ListActive(ctx context.Context) ([]*models.ScanJob, error) {
	return c.list(ctx, url.Values{"state": {"active"}})
}

// List returns jobs filtered by state. An empty states slice lists every job.
func (c *HTTPAPI) List(ctx context.Context, states []models.JobState, limit, offset int) ([]*models.ScanJob, error) {
	q := url.Values{}
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, s := range states {
			names[i] = string(s)
		}
		q.Set("state", strings.Join(names, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	return c.list(ctx, q)
}

func (c *HTTPAPI) list(ctx context.Context, q url.Values) ([]*models.ScanJob, error) {
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp handlers.JobListResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Formats lists the export formats the server supports.
func (c *HTTPAPI) Formats(ctx context.Context) ([]string, error) {
	var resp handlers.FormatsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/formats", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Formats, nil
}

// Export downloads a rendered artifact for a completed job.
func (c *HTTPAPI) Export(ctx context.Context, id, format string) (*export.Artifact, error) {
	path := "/jobs/" + url.PathEscape(id) + "/export?" + url.Values{"format": {format}}.Encode()
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WrapJobError(errors.CodeTransportUnavailable, "failed to read export", err)
	}

	artifact := &export.Artifact{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        resp.Header.Get("ETag"),
		Filename:    fmt.Sprintf("scan-%s.%s", id, format),
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		artifact.Filename = params["filename"]
	}
	return artifact, nil
}

func (c *HTTPAPI) doJSON(ctx context.Context, method, path string, payload, dest interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// do performs the request and converts error statuses into *APIError. The
// caller closes the body of a successful response.
func (c *HTTPAPI) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set(middleware.APIKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapJobError(errors.CodeTransportUnavailable, "HTTP request failed", err)
	}
	if resp.StatusCode < http.StatusBadRequest {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	return nil, decodeAPIError(resp)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Code:       codeForStatus(resp.StatusCode),
		Message:    fmt.Sprintf("HTTP %d error", resp.StatusCode),
		RequestID:  resp.Header.Get(middleware.RequestIDHeader),
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return apiErr
	}
	var body middleware.ErrorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		apiErr.Message = strings.TrimSpace(string(raw))
		return apiErr
	}
	if body.Error != "" {
		apiErr.Message = body.Error
	}
	if body.Code != "" {
		apiErr.Code = body.Code
	}
	if body.RequestID != "" {
		apiErr.RequestID = body.RequestID
	}
	return apiErr
}

func codeForStatus(status int) errors.ErrorCode {
	switch status {
	case http.StatusBadRequest:
		return errors.CodeValidation
	case http.StatusUnauthorized:
		return errors.CodeUnauthorized
	case http.StatusNotFound:
		return errors.CodeNotFound
	case http.StatusConflict:
		return errors.CodeInvalidState
	case http.StatusUnsupportedMediaType:
		return errors.CodeUnsupportedFormat
	case http.StatusTooManyRequests:
		return errors.CodeRateLimited
	case http.StatusServiceUnavailable:
		return errors.CodeServiceUnavailable
	default:
		return errors.CodeUnknown
	}
}

var _ API = (*HTTPAPI)(nil)
