package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/anstrom/scanwatch/internal/api/middleware"
	"github.com/anstrom/scanwatch/internal/config"
	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/export"
	"github.com/anstrom/scanwatch/internal/hub"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/metrics"
	"github.com/anstrom/scanwatch/internal/models"
	"github.com/anstrom/scanwatch/internal/store"
)

const testAPIKey = "test-key"

// memoryJobs implements handlers.JobService over a memory store.
type memoryJobs struct {
	*store.MemoryStore
}

func (m memoryJobs) Submit(ctx context.Context, targets []string, opts models.ScanOptions) (string, error) {
	if err := models.ValidateSubmission(targets, opts); err != nil {
		return "", err
	}
	job := models.NewScanJob(targets, opts, time.Now())
	return job.ID, m.Create(ctx, job)
}

func (m memoryJobs) Cancel(ctx context.Context, id string) error {
	_, err := m.Get(ctx, id)
	return err
}

func (m memoryJobs) Query(ctx context.Context, id string) (*models.ScanJob, error) {
	return m.Get(ctx, id)
}

func createTestConfig() *config.Config {
	cfg := config.Default()
	cfg.API.Port = 0
	cfg.API.RateLimit.Enabled = false
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, prom *metrics.PrometheusMetrics) *Server {
	t.Helper()
	jobs := memoryJobs{store.NewMemoryStore()}
	h := hub.New(hub.DefaultConfig(), hub.WithLogger(logging.Discard()))
	t.Cleanup(h.Close)

	return New(cfg, Dependencies{
		Jobs:     jobs,
		Exporter: export.NewService(jobs.Query, nil, logging.Discard(), nil),
		Hub:      h,
	}, logging.Discard(), prom)
}

func serve(s *Server, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNew(t *testing.T) {
	s := newTestServer(t, createTestConfig(), nil)

	assert.NotNil(t, s.GetRouter())
	assert.Equal(t, "127.0.0.1:0", s.GetAddress())
	assert.Equal(t, 15*time.Second, s.httpServer.ReadTimeout)
	assert.Nil(t, s.httpServer.TLSConfig)
}

func TestServer_Index(t *testing.T) {
	s := newTestServer(t, createTestConfig(), nil)

	rec := serve(s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "scanwatch", body["service"])
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestServer_NotFound(t *testing.T) {
	s := newTestServer(t, createTestConfig(), nil)

	rec := serve(s, http.MethodGet, "/api/v1/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body middleware.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, errors.CodeNotFound, body.Code)
}

func TestServer_Routes(t *testing.T) {
	s := newTestServer(t, createTestConfig(), nil)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/api/v1/health", http.StatusOK},
		{http.MethodGet, "/api/v1/version", http.StatusOK},
		{http.MethodGet, "/api/v1/status", http.StatusOK},
		{http.MethodGet, "/api/v1/jobs", http.StatusOK},
		{http.MethodGet, "/api/v1/jobs/missing", http.StatusNotFound},
		{http.MethodGet, "/api/v1/formats", http.StatusOK},
		{http.MethodGet, "/docs", http.StatusMovedPermanently},
		{http.MethodGet, "/api/v1/metrics", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.status, serve(s, tt.method, tt.path, nil).Code)
		})
	}
}

func TestServer_Auth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := createTestConfig()
	cfg.API.Auth.Enabled = true
	cfg.API.Auth.APIKeys = []config.APIKeyConfig{{Name: "test", Hash: string(hash)}}
	s := newTestServer(t, cfg, metrics.NewPrometheusMetrics())

	tests := []struct {
		name   string
		path   string
		header map[string]string
		status int
	}{
		{"health is public", "/api/v1/health", nil, http.StatusOK},
		{"version is public", "/api/v1/version", nil, http.StatusOK},
		{"formats is public", "/api/v1/formats", nil, http.StatusOK},
		{"metrics is public", "/api/v1/metrics", nil, http.StatusOK},
		{"docs are public", "/swagger/doc.json", nil, http.StatusOK},
		{"jobs need a key", "/api/v1/jobs", nil, http.StatusUnauthorized},
		{"status needs a key", "/api/v1/status", nil, http.StatusUnauthorized},
		{"wrong key", "/api/v1/jobs", map[string]string{middleware.APIKeyHeader: "wrong"}, http.StatusUnauthorized},
		{"valid key", "/api/v1/jobs", map[string]string{middleware.APIKeyHeader: testAPIKey}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, serve(s, http.MethodGet, tt.path, tt.header).Code)
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t, createTestConfig(), metrics.NewPrometheusMetrics())

	require.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/api/v1/jobs", nil).Code)

	rec := serve(s, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scanwatch_")
	assert.Contains(t, rec.Body.String(), `route="/api/v1/jobs"`)
}

func TestServer_SwaggerDoc(t *testing.T) {
	s := newTestServer(t, createTestConfig(), nil)

	rec := serve(s, http.MethodGet, "/swagger/doc.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	info, ok := doc["info"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "scanwatch API", info["title"])
	assert.Contains(t, doc["paths"], "/jobs")
}

func TestServer_DocsDisabled(t *testing.T) {
	cfg := createTestConfig()
	cfg.API.EnableDocs = false
	s := newTestServer(t, cfg, nil)

	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/swagger/doc.json", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/docs", nil).Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	s := newTestServer(t, createTestConfig(), nil)

	rec := serve(s, http.MethodOptions, "/api/v1/jobs", map[string]string{
		"Origin":                         "https://ui.example.com",
		"Access-Control-Request-Method":  http.MethodPost,
		"Access-Control-Request-Headers": "Content-Type",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RateLimit(t *testing.T) {
	cfg := createTestConfig()
	cfg.API.RateLimit.Enabled = true
	cfg.API.RateLimit.RequestsPerSecond = 0.001
	cfg.API.RateLimit.Burst = 1
	s := newTestServer(t, cfg, nil)

	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/api/v1/health", nil).Code)

	rec := serve(s, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestServer_SubmitAndGet(t *testing.T) {
	s := newTestServer(t, createTestConfig(), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs",
		strings.NewReader(`{"targets":["192.0.2.7"],"options":{"timing":"polite"}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	get := serve(s, http.MethodGet, "/api/v1/jobs/"+submitted.JobID, nil)
	require.Equal(t, http.StatusOK, get.Code)

	var job models.ScanJob
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &job))
	assert.Equal(t, models.StateQueued, job.State)
	// server defaults filled the ports left empty
	assert.Equal(t, models.DefaultPorts, job.Options.Ports)
	assert.Equal(t, "polite", job.Options.Timing)
}

func TestServer_StartStop(t *testing.T) {
	s := newTestServer(t, createTestConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_StartFailsOnBusyPort(t *testing.T) {
	busy := httptest.NewServer(http.NotFoundHandler())
	defer busy.Close()

	cfg := createTestConfig()
	s := newTestServer(t, cfg, nil)
	s.httpServer.Addr = strings.TrimPrefix(busy.URL, "http://")

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API server failed")
}
