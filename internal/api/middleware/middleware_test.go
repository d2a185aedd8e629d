package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/metrics"
)

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		reused  bool
	}{
		{"generated when absent", "", false},
		{"inbound reused", "abc-123", true},
		{"oversized replaced", strings.Repeat("x", 100), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
			if tt.reused {
				assert.Equal(t, tt.inbound, seen)
			} else {
				assert.NotEqual(t, tt.inbound, seen)
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	h := RequestID()(Recovery(logging.Discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, errors.CodeUnknown, body.Code)
	assert.NotEmpty(t, body.RequestID)
}

func TestAuthenticator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	auth := NewAuthenticator([]APIKey{{Name: "ci", Hash: string(hash)}}, "/api/v1/health", "/swagger/*")

	var keyName string
	h := auth.Middleware(logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyName, _ = r.Context().Value(APIKeyNameKey).(string)
		okHandler(w, r)
	}))

	tests := []struct {
		name   string
		path   string
		header map[string]string
		status int
	}{
		{"missing key", "/api/v1/jobs", nil, http.StatusUnauthorized},
		{"wrong key", "/api/v1/jobs", map[string]string{APIKeyHeader: "nope"}, http.StatusUnauthorized},
		{"valid header key", "/api/v1/jobs", map[string]string{APIKeyHeader: "s3cret"}, http.StatusOK},
		{"valid bearer key", "/api/v1/jobs", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"public path", "/api/v1/health", nil, http.StatusOK},
		{"public prefix", "/swagger/index.html", nil, http.StatusOK},
		{"prefix is not exact", "/swagger", nil, http.StatusUnauthorized},
		{"query key ignored without upgrade", "/api/v1/jobs?api_key=s3cret", nil, http.StatusUnauthorized},
		{"query key on websocket upgrade", "/api/v1/events?api_key=s3cret", map[string]string{"Upgrade": "websocket"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, errors.CodeUnauthorized, decodeError(t, rec).Code)
			}
		})
	}

	name, ok := auth.Verify("s3cret")
	assert.True(t, ok)
	assert.Equal(t, "ci", name)
	assert.Equal(t, "ci", keyName)
	assert.Len(t, auth.verified, 1)
}

func TestHashAPIKey(t *testing.T) {
	hash, err := HashAPIKey("k")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("k")))
}

func TestRateLimiter_Allow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(0.001, 2)
	rl.now = func() time.Time { return now }
	rl.lastCleanup = now

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "buckets are per client")
	assert.Equal(t, 2, rl.Clients())

	now = now.Add(limiterIdleTTL + time.Minute)
	assert.True(t, rl.Allow("10.0.0.3"))
	assert.Equal(t, 1, rl.Clients(), "idle clients are forgotten")
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	h := rl.Middleware(logging.Discard())(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.RemoteAddr = "192.0.2.7:4242"

	first := httptest.NewRecorder()
	h.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.Equal(t, errors.CodeRateLimited, decodeError(t, second).Code)
}

func TestContentType(t *testing.T) {
	h := ContentType()(http.HandlerFunc(okHandler))

	tests := []struct {
		name        string
		method      string
		contentType string
		status      int
	}{
		{"json post", http.MethodPost, "application/json; charset=utf-8", http.StatusOK},
		{"post without type", http.MethodPost, "", http.StatusOK},
		{"form post", http.MethodPost, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType},
		{"get ignores type", http.MethodGet, "text/plain", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", nil)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

type httpRecorder struct {
	metrics.Nop
	route, status string
}

func (r *httpRecorder) HTTPRequest(_, route, status string, _ time.Duration) {
	r.route = route
	r.status = status
}

func TestMetrics_UsesRouteTemplate(t *testing.T) {
	rec := &httpRecorder{}
	router := mux.NewRouter()
	router.Use(Metrics(rec))
	router.HandleFunc("/api/v1/jobs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/jobs/abc", nil))

	assert.Equal(t, "/api/v1/jobs/{id}", rec.route)
	assert.Equal(t, "404", rec.status)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr", "203.0.113.4:555", nil, "203.0.113.4"},
		{"ipv6 remote addr", "[2001:db8::1]:555", nil, "2001:db8::1"},
		{"forwarded for", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "198.51.100.2, 10.0.0.1"}, "198.51.100.2"},
		{"real ip", "10.0.0.1:1", map[string]string{"X-Real-IP": "198.51.100.9"}, "198.51.100.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}
