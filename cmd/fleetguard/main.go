// =============================================================================
// FleetGuard 主入口
// =============================================================================
// 故障容错服务入口，包含 HTTP API、健康检查、Prometheus 指标
//
// 使用方法:
//
//	fleetguard serve                       # 启动服务
//	fleetguard serve --config config.yaml  # 指定配置文件
//	fleetguard version                     # 显示版本信息
//	fleetguard health                      # 健康检查
//	fleetguard migrate up                  # 运行事件日志迁移
//	fleetguard migrate status              # 查看迁移状态
// =============================================================================

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/fleetguard/config"
	"github.com/BaSui01/fleetguard/internal/migration"
	"github.com/BaSui01/fleetguard/internal/tlsutil"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "version":
		printVersion(os.Stdout)
	case "health":
		err = runHealthCheck(os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载并验证配置，返回 loader 以便热重载复用
func loadConfig(path string) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return loader, cfg, nil
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loader, cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger, level := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting FleetGuard",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(cfg, logger, level)
	if err != nil {
		return err
	}
	if *configPath != "" {
		if err := srv.WatchConfig(loader); err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		}
	}

	err = srv.Run(ctx)
	logger.Info("FleetGuard stopped", zap.Error(err))
	return err
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	endpoint := fs.String("endpoint", "/ready", "Probe path (/health or /ready)")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := tlsutil.SecureHTTPClient(*timeout)
	resp, err := client.Get(strings.TrimRight(*addr, "/") + *endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("health check failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Fprintln(out, "OK")
	return nil
}

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Override database driver (postgres, mysql)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		printMigrateUsage(os.Stderr)
		return errors.New("missing migrate subcommand")
	}

	_, cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}

	m, err := migration.NewMigratorFromDatabaseConfig(cfg.Database)
	if errors.Is(err, migration.ErrManagedByAutoMigrate) {
		fmt.Fprintln(os.Stdout, "sqlite journals are migrated automatically at startup; nothing to do.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return migration.NewCLI(m).Run(ctx, fs.Args())
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "FleetGuard %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `FleetGuard - fleet fault tolerance manager

Usage:
  fleetguard <command> [options]

Commands:
  serve     Start the FleetGuard server
  migrate   Event journal migration commands
  version   Show version information
  health    Probe a running server
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Examples:
  fleetguard serve --config /etc/fleetguard/config.yaml
  fleetguard migrate --config config.yaml up
  fleetguard health --addr https://fleetguard.internal:8080
  fleetguard version`)
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage:
  fleetguard migrate [--config <path>] [--db-type <type>] <subcommand>

Subcommands:
  up          Apply all pending migrations
  down        Roll back the last migration
  status      Show every migration and whether it is applied
  version     Show the current version
  info        Show a summary
  force <v>   Force the version after a failed migration`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// initLogger 构建 zap logger，返回的 AtomicLevel 用于热重载日志级别
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger, level
}

func parseLevel(s string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return level
}
