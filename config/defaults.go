// =============================================================================
// 📦 FleetGuard 默认配置
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
	"github.com/BaSui01/fleetguard/agent/persistence"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:         DefaultServerConfig(),
		FaultTolerance: DefaultFaultToleranceConfig(),
		Redis:          DefaultRedisConfig(),
		Database:       DefaultDatabaseConfig(),
		Handoff:        DefaultHandoffConfig(),
		Journal:        DefaultJournalConfig(),
		Log:            DefaultLogConfig(),
		Telemetry:      DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultFaultToleranceConfig 返回核心库的生产默认值
func DefaultFaultToleranceConfig() FaultToleranceConfig {
	core := faulttolerance.DefaultConfig()
	return FaultToleranceConfig{
		HeartbeatInterval:              core.HeartbeatInterval,
		AgentTimeout:                   core.AgentTimeout,
		FailureGracePeriod:             core.FailureGracePeriod,
		CircuitBreakerFailureThreshold: core.CircuitBreakerFailureThreshold,
		CircuitBreakerTimeout:          core.CircuitBreakerTimeout,
		MaxRestartAttempts:             core.MaxRestartAttempts,
		RestartDelay:                   core.RestartDelay,
		TaskRedistributionDelay:        core.TaskRedistributionDelay,
		CheckpointInterval:             core.CheckpointInterval,
		MaxCheckpoints:                 core.MaxCheckpoints,
		EnableAutoRecovery:             core.EnableAutoRecovery,
		EnableTaskRedistribution:       core.EnableTaskRedistribution,
		RecoveryConfirmationTimeout:    core.RecoveryConfirmationTimeout,
		RecoveryQueueSize:              core.RecoveryQueueSize,
		MaxConcurrentRecoveries:        core.MaxConcurrentRecoveries,
		StopTimeout:                    core.StopTimeout,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "fleetguard",
		Password:        "",
		Name:            "fleetguard",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultHandoffConfig 返回默认交接投递配置
func DefaultHandoffConfig() HandoffConfig {
	retry := persistence.DefaultRetryConfig()
	return HandoffConfig{
		Store:          string(persistence.StoreTypeMemory),
		KeyPrefix:      "fleetguard:",
		StreamMaxLen:   10000,
		MaxRetries:     retry.MaxRetries,
		InitialBackoff: retry.InitialBackoff,
		MaxBackoff:     retry.MaxBackoff,
	}
}

// DefaultJournalConfig 返回默认事件日志配置
func DefaultJournalConfig() JournalConfig {
	j := persistence.DefaultJournalConfig()
	return JournalConfig{
		Enabled:       false,
		BufferSize:    j.BufferSize,
		BatchSize:     j.BatchSize,
		FlushInterval: j.FlushInterval,
		Retention:     30 * 24 * time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "fleetguard",
		SampleRate:     0.1,
		Insecure:       true,
		MetricInterval: 30 * time.Second,
	}
}
