package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetguard/types"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	AgentID    string `json:"agent_id,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// 头已写出，编码失败无法再改状态码
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入 200 成功响应
func WriteSuccess(w http.ResponseWriter, r *http.Request, data interface{}) {
	WriteData(w, r, http.StatusOK, data)
}

// WriteData 以指定状态码写入成功响应
func WriteData(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// WriteError 写入错误响应。非 *types.Error 的错误按内部错误处理，
// 原始信息只写日志。
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	apiErr, ok := types.AsError(err)
	if !ok {
		apiErr = types.NewError(types.ErrInternalError, "internal error").WithCause(err)
	}

	status := apiErr.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(apiErr.Code)
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(apiErr.Code)),
			zap.String("message", apiErr.Message),
			zap.Int("status", status),
			zap.String("request_id", requestID(r)),
		}
		if apiErr.Cause != nil {
			fields = append(fields, zap.Error(apiErr.Cause))
		}
		if status >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Debug("API error", fields...)
		}
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:       string(apiErr.Code),
			Message:    apiErr.Message,
			AgentID:    apiErr.AgentID,
			Retryable:  apiErr.Retryable,
			HTTPStatus: status,
		},
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, r, types.NewError(code, message).WithHTTPStatus(status), logger)
}

func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	id, _ := types.RequestID(r.Context())
	return id
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest, types.ErrInvalidConfig:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrAgentNotFound, types.ErrCheckpointNotFound, types.ErrHandoffNotFound:
		return http.StatusNotFound
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrAlreadyStarted:
		return http.StatusConflict
	case types.ErrTimeout, types.ErrShutdownTimeout:
		return http.StatusGatewayTimeout
	case types.ErrNotRunning, types.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrHandoffFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体（1 MB 限制，拒绝未知字段）。
// allowEmpty 为 true 时空请求体保留 dst 的零值。
// 失败时已写出 400 响应。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, allowEmpty bool, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		if allowEmpty {
			return nil
		}
		err := types.NewInvalidRequestError("request body is empty")
		WriteError(w, r, err, logger)
		return err
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		apiErr := types.NewInvalidRequestError(fmt.Sprintf("invalid JSON body: %v", err)).WithCause(err)
		WriteError(w, r, apiErr, logger)
		return apiErr
	}
	return nil
}

// ValidateContentType 验证 Content-Type
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		WriteError(w, r, types.NewInvalidRequestError("Content-Type must be application/json"), logger)
		return false
	}
	return true
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码与响应大小，
// 并保留 Flush 与 Hijack 能力（websocket 升级需要）。
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	BytesWritten int64
	Written      bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker. A hijacked connection reports 101.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.StatusCode = http.StatusSwitchingProtocols
	rw.Written = true
	return hj.Hijack()
}

// Unwrap returns the underlying writer for http.ResponseController.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
