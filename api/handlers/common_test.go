package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/fleetguard/types"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name       string
		data       any
		wantStatus int
	}{
		{name: "simple object", data: map[string]string{"message": "hello"}, wantStatus: http.StatusOK},
		{name: "array", data: []int{1, 2, 3}, wantStatus: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.wantStatus, tt.data)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-1"))

	WriteSuccess(w, r, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteData_Status(t *testing.T) {
	w := httptest.NewRecorder()
	WriteData(w, httptest.NewRequest(http.MethodPost, "/", nil), http.StatusCreated, "ok")
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestWriteError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "invalid request",
			err:            types.NewInvalidRequestError("agent_id is required"),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   string(types.ErrInvalidRequest),
		},
		{
			name:           "agent not found",
			err:            types.NewAgentNotFoundError("a1"),
			expectedStatus: http.StatusNotFound,
			expectedCode:   string(types.ErrAgentNotFound),
		},
		{
			name:           "wrapped typed error",
			err:            errors.Join(errors.New("context"), types.NewError(types.ErrAlreadyStarted, "running")),
			expectedStatus: http.StatusConflict,
			expectedCode:   string(types.ErrAlreadyStarted),
		},
		{
			name:           "explicit status wins",
			err:            types.NewError(types.ErrInternalError, "teapot").WithHTTPStatus(http.StatusTeapot),
			expectedStatus: http.StatusTeapot,
			expectedCode:   string(types.ErrInternalError),
		},
		{
			name:           "plain error is internal",
			err:            errors.New("database connection failed"),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   string(types.ErrInternalError),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.False(t, resp.Success)
			assert.Nil(t, resp.Data)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.expectedCode, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Message)
		})
	}
}

func TestWriteError_HidesInternalCause(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	w := httptest.NewRecorder()

	WriteError(w, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("dsn=secret"), zap.New(core))

	assert.NotContains(t, w.Body.String(), "secret")
	require.Equal(t, 1, logs.FilterMessage("API error").Len())
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[0].Level)
}

func TestWriteError_AgentID(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, httptest.NewRequest(http.MethodGet, "/", nil), types.NewAgentNotFoundError("a7"), nil)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "a7", resp.Error.AgentID)
}

func TestDecodeJSONBody(t *testing.T) {
	logger := zap.NewNop()

	type TestStruct struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}

	tests := []struct {
		name       string
		body       string
		allowEmpty bool
		wantErr    bool
		checkFunc  func(*testing.T, *TestStruct)
	}{
		{
			name: "valid JSON",
			body: `{"name":"test","value":123}`,
			checkFunc: func(t *testing.T, ts *TestStruct) {
				assert.Equal(t, "test", ts.Name)
				assert.Equal(t, 123, ts.Value)
			},
		},
		{name: "invalid JSON", body: `{"name":"test",}`, wantErr: true},
		{name: "unknown field", body: `{"name":"test","unknown":"field"}`, wantErr: true},
		{name: "empty body rejected", body: "", wantErr: true},
		{
			name:       "empty body allowed",
			body:       "",
			allowEmpty: true,
			checkFunc: func(t *testing.T, ts *TestStruct) {
				assert.Empty(t, ts.Name)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(tt.body))

			var result TestStruct
			err := DecodeJSONBody(w, r, &result, tt.allowEmpty, logger)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				return
			}
			assert.NoError(t, err)
			if tt.checkFunc != nil {
				tt.checkFunc(t, &result)
			}
		})
	}
}

func TestDecodeJSONBody_MaxBodySize(t *testing.T) {
	type TestStruct struct {
		Name string `json:"name"`
	}

	oversized := `{"name":"` + strings.Repeat("x", 2<<20) + `"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(oversized))

	var result TestStruct
	err := DecodeJSONBody(w, r, &result, false, zap.NewNop())

	assert.Error(t, err, "body exceeding 1 MB should be rejected")
}

func TestValidateContentType(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		want        bool
	}{
		{name: "application/json", contentType: "application/json", want: true},
		{name: "with charset", contentType: "application/json; charset=utf-8", want: true},
		{name: "uppercase charset", contentType: "application/json; charset=UTF-8", want: true},
		{name: "extra whitespace", contentType: "application/json;  charset=utf-8", want: true},
		{name: "text/plain", contentType: "text/plain", want: false},
		{name: "empty", contentType: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/test", nil)
			r.Header.Set("Content-Type", tt.contentType)

			assert.Equal(t, tt.want, ValidateContentType(w, r, zap.NewNop()))
		})
	}
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := NewResponseWriter(w)

	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.False(t, rw.Written)

	rw.WriteHeader(http.StatusCreated)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)
	assert.True(t, rw.Written)

	// 再次写入应该被忽略
	rw.WriteHeader(http.StatusBadRequest)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)

	n, err := rw.Write([]byte("test"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(4), rw.BytesWritten)
	assert.Same(t, w, rw.Unwrap())
}

func TestResponseWriter_HijackUnsupported(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	_, _, err := rw.Hijack()
	assert.Error(t, err)
	assert.False(t, rw.Written)
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code       types.ErrorCode
		wantStatus int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrInvalidConfig, http.StatusBadRequest},
		{types.ErrUnauthorized, http.StatusUnauthorized},
		{types.ErrForbidden, http.StatusForbidden},
		{types.ErrAgentNotFound, http.StatusNotFound},
		{types.ErrCheckpointNotFound, http.StatusNotFound},
		{types.ErrHandoffNotFound, http.StatusNotFound},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrAlreadyStarted, http.StatusConflict},
		{types.ErrNotRunning, http.StatusServiceUnavailable},
		{types.ErrHandoffFailed, http.StatusBadGateway},
		{types.ErrTimeout, http.StatusGatewayTimeout},
		{types.ErrInternalError, http.StatusInternalServerError},
		{"UNKNOWN_CODE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, mapErrorCodeToHTTPStatus(tt.code))
		})
	}
}
