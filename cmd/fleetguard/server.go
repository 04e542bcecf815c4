package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
	"github.com/BaSui01/fleetguard/agent/persistence"
	"github.com/BaSui01/fleetguard/api/handlers"
	"github.com/BaSui01/fleetguard/config"
	"github.com/BaSui01/fleetguard/internal/database"
	"github.com/BaSui01/fleetguard/internal/metrics"
	"github.com/BaSui01/fleetguard/internal/server"
	"github.com/BaSui01/fleetguard/internal/telemetry"
)

const (
	metricsNamespace    = "fleetguard"
	maintenanceInterval = 10 * time.Minute
	handoffRetention    = 24 * time.Hour
	pruneRetries        = 3
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装故障容错管理器、存储、指标与 HTTP 服务
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	level  zap.AtomicLevel

	registry  *prometheus.Registry
	collector *metrics.Collector
	providers *telemetry.Providers
	meter     *telemetry.FaultMeter

	pool    *database.PoolManager
	journal *persistence.EventJournal
	store   persistence.HandoffStore

	manager *faulttolerance.Manager
	watcher *config.Watcher
}

// fleetRef 在管理器创建前提供空的健康视图，FaultMeter 只在采集时读取
type fleetRef struct {
	mgr atomic.Pointer[faulttolerance.Manager]
}

func (f *fleetRef) GetAllAgentHealth() map[string]faulttolerance.HealthState {
	if m := f.mgr.Load(); m != nil {
		return m.GetAllAgentHealth()
	}
	return nil
}

// NewServer 按依赖顺序初始化所有组件，失败时释放已创建的资源
func NewServer(cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel) (s *Server, err error) {
	s = &Server{
		cfg:      cfg,
		logger:   logger,
		level:    level,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			s.close(context.Background())
			s = nil
		}
	}()

	// 1. 指标
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollectorWithRegistry(s.registry, metricsNamespace, logger)

	// 2. 遥测
	if s.providers, err = telemetry.Init(cfg.Telemetry, logger); err != nil {
		return s, fmt.Errorf("init telemetry: %w", err)
	}

	// 3. 事件日志
	if cfg.Journal.Enabled {
		if err = s.openJournal(); err != nil {
			return s, err
		}
	}

	// 4. 交接存储
	if s.store, err = persistence.NewHandoffStore(cfg.Handoff.ToStoreConfig(cfg.Redis)); err != nil {
		return s, fmt.Errorf("create handoff store: %w", err)
	}

	// 5. 故障容错管理器
	ref := &fleetRef{}
	if s.meter, err = telemetry.NewFaultMeter(s.providers.MeterProvider(), ref); err != nil {
		return s, fmt.Errorf("create fault meter: %w", err)
	}

	opts := []faulttolerance.Option{
		faulttolerance.WithLogger(logger),
		faulttolerance.WithHandoffSink(s.store),
		faulttolerance.WithTracer(s.providers.TracerProvider().Tracer("github.com/BaSui01/fleetguard/agent/faulttolerance")),
		faulttolerance.WithObserver(s.collector),
		faulttolerance.WithObserver(s.meter),
	}
	if s.journal != nil {
		opts = append(opts, faulttolerance.WithObserver(s.journal))
	}
	if s.manager, err = faulttolerance.New(cfg.FaultTolerance.ToCore(), opts...); err != nil {
		return s, fmt.Errorf("create fault tolerance manager: %w", err)
	}
	ref.mgr.Store(s.manager)

	if err = s.collector.RegisterFleet(s.manager); err != nil {
		return s, fmt.Errorf("register fleet metrics: %w", err)
	}

	logger.Info("components initialized",
		zap.String("handoff_store", cfg.Handoff.Store),
		zap.Bool("journal", s.journal != nil),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
	)
	return s, nil
}

func (s *Server) openJournal() error {
	db, err := database.Open(s.cfg.Database, s.logger, s.collector)
	if err != nil {
		return fmt.Errorf("open journal database: %w", err)
	}
	s.pool, err = database.NewPoolManager(db, database.PoolConfigFrom(s.cfg.Database), s.logger,
		database.WithStatsRecorder("journal", s.collector))
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return fmt.Errorf("create journal pool: %w", err)
	}
	s.journal, err = persistence.NewEventJournal(s.pool.DB(), s.cfg.Journal.ToJournalConfig(), s.logger)
	if err != nil {
		return fmt.Errorf("create event journal: %w", err)
	}
	if err = s.collector.RegisterJournal(s.journal.Dropped); err != nil {
		return fmt.Errorf("register journal metrics: %w", err)
	}
	return nil
}

// WatchConfig 监听配置文件，目前只有日志级别支持热更新
func (s *Server) WatchConfig(loader *config.Loader) error {
	w, err := config.NewWatcher(loader, s.cfg, config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	w.OnReload(func(old, next *config.Config) {
		if old.Log.Level != next.Log.Level {
			lvl := parseLevel(next.Log.Level)
			s.level.SetLevel(lvl)
			s.logger.Info("log level changed", zap.Stringer("level", lvl))
		}
		if old.FaultTolerance != next.FaultTolerance {
			s.logger.Warn("fault tolerance settings changed; restart to apply")
		}
	})
	s.watcher = w
	return nil
}

// =============================================================================
// 🚀 运行
// =============================================================================

// Run 启动管理器与 HTTP 服务，阻塞到 ctx 结束或服务失败，然后按顺序关闭
func (s *Server) Run(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		s.close(context.Background())
		return fmt.Errorf("start fault tolerance manager: %w", err)
	}
	if s.watcher != nil {
		s.watcher.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	api := server.NewManager("api", s.apiHandler(gctx), s.serverConfig(s.cfg.Server.HTTPPort, true), s.logger)
	metricsSrv := server.NewManager("metrics", s.metricsHandler(), s.serverConfig(s.cfg.Server.MetricsPort, false), s.logger)

	g.Go(func() error { return server.Serve(gctx, api, metricsSrv) })
	g.Go(func() error { s.maintain(gctx); return nil })

	runErr := g.Wait()
	s.logger.Info("starting graceful shutdown")

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, s.close(stopCtx))
}

func (s *Server) serverConfig(port int, tls bool) server.Config {
	sc := server.Config{
		Addr:            fmt.Sprintf(":%d", port),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	if tls && s.cfg.Server.TLSEnabled() {
		sc.TLSCertFile = s.cfg.Server.TLSCertFile
		sc.TLSKeyFile = s.cfg.Server.TLSKeyFile
	}
	return sc
}

// apiHandler 注册路由并构建中间件链，ctx 控制限流器的后台清理
func (s *Server) apiHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewRunningCheck("fault_manager", s.manager))
	health.RegisterCheck(handlers.NewCheck("handoff_store", s.store.Ping))
	if s.journal != nil {
		health.RegisterCheck(handlers.NewCheck("database", s.pool.Ping))
		health.RegisterCheck(handlers.NewCheck("event_journal", s.journal.Ping))
	}
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	handlers.NewFleetHandler(s.manager, s.logger, handlers.WithTaskResultRecorder(s.collector)).Register(mux)
	handlers.NewHandoffHandler(s.store, s.logger).Register(mux)

	var journal handlers.JournalReader
	if s.journal != nil {
		journal = s.journal
	}
	handlers.NewEventsHandler(s.manager, journal, s.logger,
		handlers.WithOriginPatterns(s.cfg.Server.AllowedOrigins...)).Register(mux)

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.AllowedOrigins),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		chain = append(chain, RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	if len(s.cfg.Server.APIKeys) > 0 {
		chain = append(chain, APIKeyAuth(s.cfg.Server.APIKeys, publicPaths, true, s.logger))
	}
	if s.cfg.Server.JWTSecret != "" {
		chain = append(chain, JWTAuth(JWTConfig{
			Secret:    s.cfg.Server.JWTSecret,
			Issuer:    s.cfg.Server.JWTIssuer,
			AdminRole: s.cfg.Server.JWTAdminRole,
		}, publicPaths, s.logger))
	}
	if len(s.cfg.Server.APIKeys) == 0 && s.cfg.Server.JWTSecret == "" {
		s.logger.Warn("no API keys or JWT secret configured; the fleet API is unauthenticated")
	}
	return Chain(mux, chain...)
}

func (s *Server) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	return mux
}

// =============================================================================
// 🧹 定期维护
// =============================================================================

// maintain 定期清理已确认的交接与过期的事件日志
func (s *Server) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance(ctx)
		}
	}
}

func (s *Server) runMaintenance(ctx context.Context) {
	if n, err := s.store.Cleanup(ctx, handoffRetention); err != nil {
		s.logger.Warn("handoff cleanup failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("acked handoffs removed", zap.Int("count", n))
	}

	if s.pool == nil || s.cfg.Journal.Retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.Journal.Retention)
	var pruned int64
	err := s.pool.WithTransactionRetry(ctx, pruneRetries, func(tx *gorm.DB) error {
		n, err := persistence.PruneEvents(tx, cutoff)
		pruned = n
		return err
	})
	if err != nil {
		s.logger.Warn("journal prune failed", zap.Error(err))
		return
	}
	if pruned > 0 {
		s.logger.Info("journal events pruned", zap.Int64("count", pruned), zap.Time("before", cutoff))
	}
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// close 按依赖的逆序释放组件，nil 组件跳过
func (s *Server) close(ctx context.Context) error {
	var errs []error
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.manager != nil && s.manager.Running() {
		if err := s.manager.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop fault tolerance manager: %w", err))
		}
	}
	// 管理器停止后再关闭观察者与存储，确保最后的事件写入
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event journal: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close handoff store: %w", err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database pool: %w", err))
		}
	}
	if s.meter != nil {
		if err := s.meter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close fault meter: %w", err))
		}
	}
	if err := s.providers.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown completed with errors", zap.Error(err))
	} else {
		s.logger.Info("graceful shutdown completed")
	}
	return err
}
