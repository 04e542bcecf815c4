package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthHandler 健康检查处理器
type HealthHandler struct {
	logger  *zap.Logger
	checks  []HealthCheck
	timeout time.Duration
	mu      sync.RWMutex
}

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("component", "health")),
		timeout: 5 * time.Second,
	}
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 与 /healthz（存活探针，只说明进程在运行）
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// HandleReady 处理 /ready 与 /readyz。检查并发执行，任一失败返回 503。
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check HealthCheck) {
			defer wg.Done()
			start := time.Now()
			err := check.Check(ctx)
			latency := time.Since(start)

			results[i] = CheckResult{Status: "pass", Latency: latency.String()}
			if err != nil {
				results[i].Status = "fail"
				results[i].Message = err.Error()
				h.logger.Warn("readiness check failed",
					zap.String("check", check.Name()),
					zap.Error(err),
					zap.Duration("latency", latency),
				)
			}
		}(i, check)
	}
	wg.Wait()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	code := http.StatusOK
	for i, check := range checks {
		status.Checks[check.Name()] = results[i]
		if results[i].Status == "fail" {
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	WriteJSON(w, code, status)
}

// HandleVersion 返回构建信息
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, r, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

// =============================================================================
// 🔧 内置健康检查实现
// =============================================================================

// CheckFunc 把探测函数适配为 HealthCheck（数据库 Ping、Redis Ping 等）
type CheckFunc struct {
	name  string
	check func(ctx context.Context) error
}

// NewCheck 创建命名检查
func NewCheck(name string, check func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, check: check}
}

func (c *CheckFunc) Name() string { return c.name }

func (c *CheckFunc) Check(ctx context.Context) error { return c.check(ctx) }

// RunningChecker 报告后台循环是否运行，faulttolerance.Manager 实现该接口
type RunningChecker interface {
	Running() bool
}

// NewRunningCheck 在管理器未启动或已停止时失败
func NewRunningCheck(name string, rc RunningChecker) *CheckFunc {
	return NewCheck(name, func(context.Context) error {
		if !rc.Running() {
			return errors.New("not running")
		}
		return nil
	})
}
