package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/fleetguard/config"
)

// QueryRecorder 接收每条 SQL 的耗时，metrics.Collector 实现该接口
type QueryRecorder interface {
	RecordDBQuery(database, operation string, duration time.Duration)
}

// Open 根据配置打开数据库连接并应用连接池参数。
// recorder 可为 nil。
func Open(cfg config.DatabaseConfig, logger *zap.Logger, recorder QueryRecorder) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "mysql":
		dialector = mysql.Open(cfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN())
	case "":
		return nil, fmt.Errorf("database driver not configured")
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogger(logger, cfg.Driver, recorder),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	// SQLite 只允许单写者
	if cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}

	logger.Info("database connected", zap.String("driver", cfg.Driver))
	return db, nil
}

// PoolConfigFrom 从数据库配置派生连接池配置
func PoolConfigFrom(cfg config.DatabaseConfig) PoolConfig {
	pc := DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pc.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pc.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	if cfg.Driver == "sqlite" {
		pc.MaxOpenConns = 1
		pc.MaxIdleConns = 1
	}
	return pc
}

// =============================================================================
// 📝 GORM 日志适配
// =============================================================================

// GormLogger routes GORM logs through zap and reports query timings.
type GormLogger struct {
	logger        *zap.Logger
	database      string
	recorder      QueryRecorder
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

// NewGormLogger 创建 GORM 日志适配器
func NewGormLogger(logger *zap.Logger, database string, recorder QueryRecorder) *GormLogger {
	return &GormLogger{
		logger:        logger.With(zap.String("component", "gorm")),
		database:      database,
		recorder:      recorder,
		level:         gormlogger.Warn,
		slowThreshold: 200 * time.Millisecond,
	}
}

// LogMode implements gormlogger.Interface.
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *GormLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.logger.Sugar().Infof(msg, args...)
	}
}

func (l *GormLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.logger.Sugar().Warnf(msg, args...)
	}
}

func (l *GormLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.logger.Sugar().Errorf(msg, args...)
	}
}

// Trace implements gormlogger.Interface.
func (l *GormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	if l.recorder != nil {
		l.recorder.RecordDBQuery(l.database, sqlOperation(sql), elapsed)
	}
	if l.level <= gormlogger.Silent {
		return
	}

	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("sql", sql),
	}
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.logger.Error("query failed", append(fields, zap.Error(err))...)
	case elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		l.logger.Warn("slow query", fields...)
	case l.level >= gormlogger.Info:
		l.logger.Debug("query", fields...)
	}
}

// sqlOperation 取 SQL 的首个关键字作为操作标签
func sqlOperation(sql string) string {
	sql = strings.TrimSpace(sql)
	if i := strings.IndexAny(sql, " \t\n"); i > 0 {
		sql = sql[:i]
	}
	if sql == "" {
		return "unknown"
	}
	return strings.ToLower(sql)
}

var _ gormlogger.Interface = (*GormLogger)(nil)
