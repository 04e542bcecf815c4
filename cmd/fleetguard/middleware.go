package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/fleetguard/api/handlers"
	"github.com/BaSui01/fleetguard/types"
)

// publicPaths 不需要认证的探针与指标路径
var publicPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联，第一个中间件位于最外层
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					handlers.WriteErrorMessage(w, r, http.StatusInternalServerError, types.ErrInternalError, "internal server error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID 为每个请求注入请求 ID，客户端提供的 X-Request-ID 会被保留
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
		})
	}
}

// RequestLogger 请求日志中间件
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if id, ok := types.RequestID(r.Context()); ok {
				fields = append(fields, zap.String("request_id", id))
			}
			if rw.StatusCode >= http.StatusInternalServerError {
				logger.Warn("request", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}

// SecurityHeaders adds common security response headers to every request.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Content-Security-Policy", "default-src 'none'")
			next.ServeHTTP(w, r)
		})
	}
}

// CORS 跨域中间件
// allowedOrigins 为空时不设置任何 CORS 头，预检请求返回 403
func CORS(allowedOrigins []string) Middleware {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			_, allowed := originSet[origin]
			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization, X-Request-ID")
				h.Set("Access-Control-Max-Age", "86400")
				h.Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// 📊 指标与追踪
// =============================================================================

// HTTPRecorder is the part of metrics.Collector the HTTP middleware needs.
type HTTPRecorder interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64)
}

// MetricsMiddleware records HTTP request duration, status and sizes. Path
// labels are normalized to keep Prometheus cardinality bounded.
func MetricsMiddleware(recorder HTTPRecorder) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}
			recorder.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), rw.StatusCode,
				time.Since(start), requestSize, rw.BytesWritten)
		})
	}
}

// idSegmentAfter 这些集合后面的路径段是资源 ID
var idSegmentAfter = map[string]struct{}{
	"agents":   {},
	"tasks":    {},
	"handoffs": {},
}

// pathSegmentPattern matches segments that look like generated identifiers:
// UUIDs, long hex strings or numbers.
var pathSegmentPattern = regexp.MustCompile(
	`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`,
)

// normalizePath replaces dynamic path segments with ":id":
//
//	/api/v1/agents/worker-7/heartbeat -> /api/v1/agents/:id/heartbeat
//	/api/v1/handoffs/stats            -> /api/v1/handoffs/stats
func normalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/ready", "/readyz", "/version", "/metrics",
		"/api/v1/agents", "/api/v1/handoffs", "/api/v1/handoffs/stats",
		"/api/v1/events", "/api/v1/events/history", "/api/v1/recovery/stats":
		return path
	}

	segments := strings.Split(path, "/")
	changed := false
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		_, afterCollection := idSegmentAfter[prevSegment(segments, i)]
		if (afterCollection && seg != "stats") || pathSegmentPattern.MatchString(seg) {
			segments[i] = ":id"
			changed = true
		}
	}
	if !changed {
		return path
	}
	return strings.Join(segments, "/")
}

func prevSegment(segments []string, i int) string {
	if i == 0 {
		return ""
	}
	return segments[i-1]
}

// OTelTracing creates a server span per request using the global tracer
// provider, continuing any trace context found in the request headers.
func OTelTracing() Middleware {
	tracer := otel.Tracer("fleetguard/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := normalizePath(r.URL.Path)
			ctx, span := tracer.Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
			if rw.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
		})
	}
}

// =============================================================================
// 🔐 认证与限流
// =============================================================================

func pathSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}

// APIKeyAuth API Key 认证中间件，密钥从 X-API-Key 头读取
// allowQuery 为 true 时也接受 ?api_key=，供无法设置请求头的 websocket 客户端使用
func APIKeyAuth(validKeys []string, skipPaths []string, allowQuery bool, logger *zap.Logger) Middleware {
	keySet := pathSet(validKeys)
	skipSet := pathSet(skipPaths)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := skipSet[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			if allowQuery && key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if _, ok := keySet[key]; !ok || key == "" {
				logger.Debug("api key rejected", zap.String("path", r.URL.Path))
				handlers.WriteErrorMessage(w, r, http.StatusUnauthorized, types.ErrUnauthorized, "invalid or missing API key", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(types.WithOperator(r.Context(), "api-key")))
		})
	}
}

// JWTConfig JWT 认证配置
type JWTConfig struct {
	Secret string
	Issuer string
	// AdminRole 非空时，DELETE 请求（注销智能体、清理检查点）要求令牌携带该角色
	AdminRole string
}

// JWTAuth validates HS256 bearer tokens. The sub claim becomes the operator
// and the roles claim is copied into the request context.
func JWTAuth(cfg JWTConfig, skipPaths []string, logger *zap.Logger) Middleware {
	skipSet := pathSet(skipPaths)
	secret := []byte(cfg.Secret)

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := skipSet[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || tokenStr == "" {
				handlers.WriteErrorMessage(w, r, http.StatusUnauthorized, types.ErrUnauthorized, "missing or malformed Authorization header", nil)
				return
			}

			claims := &fleetClaims{}
			if _, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, parserOpts...); err != nil {
				logger.Debug("JWT validation failed", zap.Error(err))
				msg := "invalid token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					msg = "token expired"
				}
				handlers.WriteErrorMessage(w, r, http.StatusUnauthorized, types.ErrUnauthorized, msg, nil)
				return
			}

			ctx := r.Context()
			if claims.Subject != "" {
				ctx = types.WithOperator(ctx, claims.Subject)
			}
			if len(claims.Roles) > 0 {
				ctx = types.WithRoles(ctx, claims.Roles)
			}
			if cfg.AdminRole != "" && r.Method == http.MethodDelete && !types.HasRole(ctx, cfg.AdminRole) {
				logger.Warn("destructive request without admin role",
					zap.String("operator", claims.Subject),
					zap.String("path", r.URL.Path))
				handlers.WriteErrorMessage(w, r, http.StatusForbidden, types.ErrForbidden, "role "+cfg.AdminRole+" required", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type fleetClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// RateLimiter 基于 IP 的请求限流中间件，ctx 结束时停止后台清理
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)

	// 后台清理过期 visitor
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			mu.Lock()
			v, exists := visitors[ip]
			if !exists {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				logger.Debug("rate limited", zap.String("ip", ip))
				w.Header().Set("Retry-After", "1")
				handlers.WriteErrorMessage(w, r, http.StatusTooManyRequests, types.ErrRateLimited, "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
