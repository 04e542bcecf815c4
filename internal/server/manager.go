package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/fleetguard/internal/tlsutil"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// Manager HTTP 服务器管理器
type Manager struct {
	name     string
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// Config 服务器配置
type Config struct {
	// 监听地址
	Addr string `yaml:"addr" json:"addr"`

	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 写入超时，websocket 端点需要为 0 或足够长
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// TLS 证书与私钥，同时设置时 Start 以 HTTPS 方式监听
	TLSCertFile string `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" json:"tls_key_file"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: 30 * time.Second,
	}
}

// NewManager 创建服务器管理器，name 仅用于日志
func NewManager(name string, handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:           config.Addr,
		Handler:        handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return &Manager{
		name:   name,
		server: server,
		errCh:  make(chan error, 1),
		config: config,
		logger: logger.With(zap.String("component", "http_server"), zap.String("server", name)),
	}
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Start 启动服务器（非阻塞），配置了证书时等同于 StartTLS
func (m *Manager) Start() error {
	if m.config.TLSCertFile != "" && m.config.TLSKeyFile != "" {
		return m.StartTLS(m.config.TLSCertFile, m.config.TLSKeyFile)
	}
	return m.start(func(l net.Listener) error { return m.server.Serve(l) })
}

// StartTLS 启动 HTTPS 服务器（非阻塞），使用加固的 TLS 配置
func (m *Manager) StartTLS(certFile, keyFile string) error {
	m.server.TLSConfig = tlsutil.DefaultTLSConfig()
	return m.start(func(l net.Listener) error { return m.server.ServeTLS(l, certFile, keyFile) })
}

func (m *Manager) start(serve func(net.Listener) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("server %s is closed", m.name)
	}
	if m.listener != nil {
		return fmt.Errorf("server %s already started", m.name)
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}
	m.listener = listener
	m.logger.Info("starting HTTP server", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("HTTP server failed", zap.Error(err))
			select {
			case m.errCh <- err:
			default:
			}
		}
	}()
	return nil
}

// Shutdown 优雅关闭服务器
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("HTTP server shutdown failed", zap.Error(err))
		return err
	}

	m.logger.Info("HTTP server stopped")
	return nil
}

// Errors returns asynchronous server errors.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// Addr 返回实际监听地址；未启动时返回配置地址
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning 检查服务器是否运行中
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listener != nil && !m.closed
}

// =============================================================================
// 👥 多服务器编排
// =============================================================================

// Serve starts every manager, blocks until ctx is done or one of them fails,
// then shuts all of them down concurrently. The first serve error, if any,
// is returned joined with shutdown errors.
func Serve(ctx context.Context, managers ...*Manager) error {
	for i, m := range managers {
		if err := m.Start(); err != nil {
			_ = shutdownAll(context.Background(), managers[:i])
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range managers {
		g.Go(func() error {
			select {
			case err := <-m.Errors():
				return err
			case <-gctx.Done():
				return nil
			}
		})
	}
	serveErr := g.Wait()

	return errors.Join(serveErr, shutdownAll(context.Background(), managers))
}

func shutdownAll(ctx context.Context, managers []*Manager) error {
	var g errgroup.Group
	for _, m := range managers {
		g.Go(func() error { return m.Shutdown(ctx) })
	}
	return g.Wait()
}
