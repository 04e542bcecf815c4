package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/fleetguard/types"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func errorCodeOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	return body.Error.Code
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(okHandler(), mark("a"), mark("b"), mark("c"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/agents/a1", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(types.ErrInternalError), errorCodeOf(t, w))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "panic recovered", logs.All()[0].Message)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = types.RequestID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	})

	t.Run("preserved", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Request-ID", "req-123")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, "req-123", seen)
		assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	})
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), RequestID(), RequestLogger(zap.New(core)))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "/api/v1/agents", fields["path"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.NotEmpty(t, fields["request_id"])
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		preflight  bool
		wantStatus int
		wantAllow  string
	}{
		{name: "same origin", allowed: nil, method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "no origins configured", allowed: nil, origin: "https://evil.test", method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "preflight rejected", allowed: nil, origin: "https://evil.test", method: http.MethodOptions, preflight: true, wantStatus: http.StatusForbidden},
		{name: "allowed origin", allowed: []string{"https://ops.test"}, origin: "https://ops.test", method: http.MethodGet, wantStatus: http.StatusOK, wantAllow: "https://ops.test"},
		{name: "allowed preflight", allowed: []string{"https://ops.test"}, origin: "https://ops.test", method: http.MethodOptions, preflight: true, wantStatus: http.StatusNoContent, wantAllow: "https://ops.test"},
		{name: "other origin", allowed: []string{"https://ops.test"}, origin: "https://evil.test", method: http.MethodGet, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/api/v1/agents", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				r.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()
			CORS(tt.allowed)(okHandler()).ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

// =============================================================================
// 🧪 指标
// =============================================================================

type httpSample struct {
	method, path string
	status       int
	respSize     int64
}

type fakeHTTPRecorder struct {
	mu      sync.Mutex
	samples []httpSample
}

func (f *fakeHTTPRecorder) RecordHTTPRequest(method, path string, status int, _ time.Duration, _, respSize int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, httpSample{method, path, status, respSize})
}

func TestMetricsMiddleware(t *testing.T) {
	rec := &fakeHTTPRecorder{}
	h := MetricsMiddleware(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/agents/worker-7/heartbeat", nil))

	require.Len(t, rec.samples, 1)
	assert.Equal(t, httpSample{
		method:   http.MethodPost,
		path:     "/api/v1/agents/:id/heartbeat",
		status:   http.StatusCreated,
		respSize: int64(len(`{"ok":true}`)),
	}, rec.samples[0])
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/api/v1/agents", "/api/v1/agents"},
		{"/api/v1/agents/worker-7", "/api/v1/agents/:id"},
		{"/api/v1/agents/worker-7/circuit", "/api/v1/agents/:id/circuit"},
		{"/api/v1/tasks/t-1/checkpoints/latest", "/api/v1/tasks/:id/checkpoints/latest"},
		{"/api/v1/handoffs/stats", "/api/v1/handoffs/stats"},
		{"/api/v1/handoffs/h-9/ack", "/api/v1/handoffs/:id/ack"},
		{"/api/v1/recovery/stats", "/api/v1/recovery/stats"},
		{"/other/550e8400-e29b-41d4-a716-446655440000", "/other/:id"},
		{"/other/12345", "/other/:id"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}

// =============================================================================
// 🧪 认证与限流
// =============================================================================

func TestAPIKeyAuth(t *testing.T) {
	var operator string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator, _ = types.Operator(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := APIKeyAuth([]string{"k1", "k2"}, publicPaths, true, zaptest.NewLogger(t))(inner)

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
	}{
		{name: "public path", path: "/health", wantStatus: http.StatusOK},
		{name: "missing key", path: "/api/v1/agents", wantStatus: http.StatusUnauthorized},
		{name: "wrong key", path: "/api/v1/agents", header: "nope", wantStatus: http.StatusUnauthorized},
		{name: "header key", path: "/api/v1/agents", header: "k2", wantStatus: http.StatusOK},
		{name: "query key", path: "/api/v1/events?api_key=k1", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				r.Header.Set("X-API-Key", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, string(types.ErrUnauthorized), errorCodeOf(t, w))
			}
		})
	}
	assert.Equal(t, "api-key", operator)
}

func signToken(t *testing.T, secret string, claims fleetClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	var (
		operator string
		roles    []string
	)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator, _ = types.Operator(r.Context())
		roles = types.Roles(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := JWTAuth(JWTConfig{Secret: secret, Issuer: "fleetguard"}, publicPaths, zaptest.NewLogger(t))(inner)

	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	valid := signToken(t, secret, fleetClaims{
		Roles:            []string{"operator"},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: "fleetguard", ExpiresAt: future},
	})
	expired := signToken(t, secret, fleetClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: "fleetguard", ExpiresAt: past},
	})
	wrongIssuer := signToken(t, secret, fleetClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: "someone-else", ExpiresAt: future},
	})
	noExpiry := signToken(t, secret, fleetClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: "fleetguard"},
	})
	wrongSecret := signToken(t, "other", fleetClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", Issuer: "fleetguard", ExpiresAt: future},
	})

	tests := []struct {
		name       string
		path       string
		auth       string
		wantStatus int
	}{
		{name: "public path", path: "/ready", wantStatus: http.StatusOK},
		{name: "missing header", path: "/api/v1/agents", wantStatus: http.StatusUnauthorized},
		{name: "not bearer", path: "/api/v1/agents", auth: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "expired", path: "/api/v1/agents", auth: "Bearer " + expired, wantStatus: http.StatusUnauthorized},
		{name: "wrong issuer", path: "/api/v1/agents", auth: "Bearer " + wrongIssuer, wantStatus: http.StatusUnauthorized},
		{name: "no expiry", path: "/api/v1/agents", auth: "Bearer " + noExpiry, wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", path: "/api/v1/agents", auth: "Bearer " + wrongSecret, wantStatus: http.StatusUnauthorized},
		{name: "valid", path: "/api/v1/agents", auth: "Bearer " + valid, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	assert.Equal(t, "alice", operator)
	assert.Equal(t, []string{"operator"}, roles)
}

func TestJWTAuth_AdminRole(t *testing.T) {
	const secret = "test-secret"
	h := JWTAuth(JWTConfig{Secret: secret, AdminRole: "fleet-admin"}, publicPaths, zaptest.NewLogger(t))(okHandler())

	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	admin := signToken(t, secret, fleetClaims{
		Roles:            []string{"operator", "fleet-admin"},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "root", ExpiresAt: future},
	})
	operator := signToken(t, secret, fleetClaims{
		Roles:            []string{"operator"},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "bob", ExpiresAt: future},
	})

	tests := []struct {
		name       string
		method     string
		token      string
		wantStatus int
	}{
		{"operator reads", http.MethodGet, operator, http.StatusOK},
		{"operator heartbeats", http.MethodPost, operator, http.StatusOK},
		{"operator deletes", http.MethodDelete, operator, http.StatusForbidden},
		{"admin deletes", http.MethodDelete, admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/api/v1/agents/worker-1", nil)
			r.Header.Set("Authorization", "Bearer "+tt.token)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusForbidden {
				assert.Equal(t, string(types.ErrForbidden), errorCodeOf(t, w))
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := RateLimiter(ctx, 1, 2, zaptest.NewLogger(t))(okHandler())

	do := func(remote string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
		r.RemoteAddr = remote
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1111").Code)
	assert.Equal(t, http.StatusOK, do("10.0.0.1:2222").Code)

	w := do("10.0.0.1:3333")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, string(types.ErrRateLimited), errorCodeOf(t, w))
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// 不同 IP 独立计数
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1111").Code)
}
