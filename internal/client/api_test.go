package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanwatch/internal/api/middleware"
	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/models"
)

func TestHTTPAPI_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode errors.ErrorCode
		wantMsg  string
	}{
		{
			name:     "error body",
			status:   http.StatusConflict,
			body:     `{"error":"cannot cancel job in state completed","code":"INVALID_STATE","request_id":"req-1"}`,
			wantCode: errors.CodeInvalidState,
			wantMsg:  "cannot cancel job in state completed",
		},
		{
			name:     "plain text",
			status:   http.StatusBadGateway,
			body:     "upstream down\n",
			wantCode: errors.CodeUnknown,
			wantMsg:  "upstream down",
		},
		{
			name:     "empty body falls back to status",
			status:   http.StatusNotFound,
			wantCode: errors.CodeNotFound,
			wantMsg:  "HTTP 404 error",
		},
		{
			name:     "rate limited",
			status:   http.StatusTooManyRequests,
			body:     `{"error":"rate limit exceeded"}`,
			wantCode: errors.CodeRateLimited,
			wantMsg:  "rate limit exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			c := NewHTTPAPI(srv.URL, "", time.Second)
			defer c.Close()

			_, err := c.Query(context.Background(), "a")
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, stderrors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.Equal(t, tt.wantCode, errors.GetCode(err))
		})
	}
}

func TestHTTPAPI_SendsKeyAndPaths(t *testing.T) {
	type seen struct {
		method, path, query, key string
	}
	requests := make(chan seen, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- seen{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get(middleware.APIKeyHeader)}
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "j-1"})
		case http.MethodDelete:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "j-1", "status": "cancel_requested"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"jobs": []interface{}{}, "count": 0})
		}
	}))
	defer srv.Close()
	c := NewHTTPAPI(srv.URL+"/", "k3y", time.Second)
	defer c.Close()
	ctx := context.Background()

	id, err := c.Submit(ctx, []string{"192.0.2.1"}, models.ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, "j-1", id)
	assert.Equal(t, seen{http.MethodPost, "/api/v1/jobs", "", "k3y"}, <-requests)

	require.NoError(t, c.Cancel(ctx, "j-1"))
	assert.Equal(t, seen{http.MethodDelete, "/api/v1/jobs/j-1", "", "k3y"}, <-requests)

	_, err = c.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, seen{http.MethodGet, "/api/v1/jobs", "state=active", "k3y"}, <-requests)

	_, err = c.List(ctx, nil, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, seen{http.MethodGet, "/api/v1/jobs", "limit=5&offset=10", "k3y"}, <-requests)
}

func TestHTTPAPI_ExportFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "format=csv", r.URL.RawQuery)
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Content-Disposition", `attachment; filename="scan-j-1.csv"`)
		_, _ = w.Write([]byte("host,port\n"))
	}))
	defer srv.Close()
	c := NewHTTPAPI(srv.URL, "", time.Second)
	defer c.Close()

	artifact, err := c.Export(context.Background(), "j-1", "csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", artifact.ContentType)
	assert.Equal(t, "scan-j-1.csv", artifact.Filename)
	assert.Equal(t, `"abc"`, artifact.ETag)
	assert.Equal(t, "host,port\n", string(artifact.Data))
}

func TestHTTPAPI_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPAPI(url, "", time.Second)
	defer c.Close()

	_, err := c.ListActive(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTransportUnavailable))
}

func TestNewWebSocketTransport(t *testing.T) {
	tests := []struct {
		server  string
		want    string
		wantErr bool
	}{
		{server: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080/api/v1/events"},
		{server: "https://scan.example.com/", want: "wss://scan.example.com/api/v1/events"},
		{server: "https://scan.example.com/watch", want: "wss://scan.example.com/watch/api/v1/events"},
		{server: "ws://localhost:9000", want: "ws://localhost:9000/api/v1/events"},
		{server: "ftp://example.com", wantErr: true},
		{server: "://bad", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			tr, err := NewWebSocketTransport(tt.server, "k", logging.Discard())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tr.URL())
			assert.Equal(t, "k", tr.header.Get(middleware.APIKeyHeader))
		})
	}
}

func TestWebSocketTransport_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, http.StatusUnauthorized, errors.CodeUnauthorized, "invalid API key")
	}))
	defer srv.Close()

	tr, err := NewWebSocketTransport(srv.URL, "wrong", logging.Discard())
	require.NoError(t, err)

	_, err = tr.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}
