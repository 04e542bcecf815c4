// =============================================================================
// 📦 FleetGuard 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("FLEETGUARD").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
	"github.com/BaSui01/fleetguard/agent/persistence"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 FleetGuard 进程的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// FaultTolerance 故障容错核心配置
	FaultTolerance FaultToleranceConfig `yaml:"fault_tolerance" env:"FT"`

	// Redis 配置（交接存储与就绪检查）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置（事件日志）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Handoff 交接投递配置
	Handoff HandoffConfig `yaml:"handoff" env:"HANDOFF"`

	// Journal 事件日志配置
	Journal JournalConfig `yaml:"journal" env:"JOURNAL"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每秒请求数限制（按客户端 IP）
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求上限
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许的 API Key，为空时不启用 API Key 认证
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// JWT HS256 密钥，为空时不启用 JWT 认证
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWT 签发者（可选）
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	// DELETE 请求所需的 JWT 角色（可选）
	JWTAdminRole string `yaml:"jwt_admin_role" env:"JWT_ADMIN_ROLE"`
	// 允许跨域的来源，为空时不输出 CORS 头
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	// TLS 证书文件，与 TLSKeyFile 同时设置时启用 HTTPS
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	// TLS 私钥文件
	TLSKeyFile string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// TLSEnabled 证书与私钥均已配置
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

// FaultToleranceConfig 故障容错核心配置，字段与 faulttolerance.Config 一一对应
type FaultToleranceConfig struct {
	HeartbeatInterval              time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	AgentTimeout                   time.Duration `yaml:"agent_timeout" env:"AGENT_TIMEOUT"`
	FailureGracePeriod             time.Duration `yaml:"failure_grace_period" env:"FAILURE_GRACE_PERIOD"`
	CircuitBreakerFailureThreshold uint32        `yaml:"circuit_breaker_failure_threshold" env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD"`
	CircuitBreakerTimeout          time.Duration `yaml:"circuit_breaker_timeout" env:"CIRCUIT_BREAKER_TIMEOUT"`
	MaxRestartAttempts             uint32        `yaml:"max_restart_attempts" env:"MAX_RESTART_ATTEMPTS"`
	RestartDelay                   time.Duration `yaml:"restart_delay" env:"RESTART_DELAY"`
	TaskRedistributionDelay        time.Duration `yaml:"task_redistribution_delay" env:"TASK_REDISTRIBUTION_DELAY"`
	CheckpointInterval             time.Duration `yaml:"checkpoint_interval" env:"CHECKPOINT_INTERVAL"`
	MaxCheckpoints                 int           `yaml:"max_checkpoints" env:"MAX_CHECKPOINTS"`
	EnableAutoRecovery             bool          `yaml:"enable_auto_recovery" env:"ENABLE_AUTO_RECOVERY"`
	EnableTaskRedistribution       bool          `yaml:"enable_task_redistribution" env:"ENABLE_TASK_REDISTRIBUTION"`
	RecoveryConfirmationTimeout    time.Duration `yaml:"recovery_confirmation_timeout" env:"RECOVERY_CONFIRMATION_TIMEOUT"`
	RecoveryQueueSize              int           `yaml:"recovery_queue_size" env:"RECOVERY_QUEUE_SIZE"`
	MaxConcurrentRecoveries        int64         `yaml:"max_concurrent_recoveries" env:"MAX_CONCURRENT_RECOVERIES"`
	StopTimeout                    time.Duration `yaml:"stop_timeout" env:"STOP_TIMEOUT"`
}

// ToCore 转换为核心库配置
func (f FaultToleranceConfig) ToCore() faulttolerance.Config {
	return faulttolerance.Config{
		HeartbeatInterval:              f.HeartbeatInterval,
		AgentTimeout:                   f.AgentTimeout,
		FailureGracePeriod:             f.FailureGracePeriod,
		CircuitBreakerFailureThreshold: f.CircuitBreakerFailureThreshold,
		CircuitBreakerTimeout:          f.CircuitBreakerTimeout,
		MaxRestartAttempts:             f.MaxRestartAttempts,
		RestartDelay:                   f.RestartDelay,
		TaskRedistributionDelay:        f.TaskRedistributionDelay,
		CheckpointInterval:             f.CheckpointInterval,
		MaxCheckpoints:                 f.MaxCheckpoints,
		EnableAutoRecovery:             f.EnableAutoRecovery,
		EnableTaskRedistribution:       f.EnableTaskRedistribution,
		RecoveryConfirmationTimeout:    f.RecoveryConfirmationTimeout,
		RecoveryQueueSize:              f.RecoveryQueueSize,
		MaxConcurrentRecoveries:        f.MaxConcurrentRecoveries,
		StopTimeout:                    f.StopTimeout,
	}
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
	// 跳过证书校验（仅开发环境）
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// HandoffConfig 交接投递配置
type HandoffConfig struct {
	// 存储类型: memory, redis
	Store string `yaml:"store" env:"STORE"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// Redis Stream 最大长度，0 表示不截断
	StreamMaxLen int64 `yaml:"stream_max_len" env:"STREAM_MAX_LEN"`
	// 最大重投次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 初始退避
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	// 最大退避
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
}

// ToStoreConfig 转换为交接存储配置
func (h HandoffConfig) ToStoreConfig(redis RedisConfig) persistence.StoreConfig {
	cfg := persistence.DefaultStoreConfig()
	cfg.Type = persistence.StoreType(h.Store)
	cfg.Redis = persistence.RedisStoreConfig{
		Addr:         redis.Addr,
		Password:     redis.Password,
		DB:           redis.DB,
		PoolSize:     redis.PoolSize,
		MinIdleConns: redis.MinIdleConns,
		KeyPrefix:    h.KeyPrefix,
		StreamMaxLen: h.StreamMaxLen,
		TLS:          redis.TLS,
		TLSInsecure:  redis.TLSInsecureSkipVerify,
	}
	cfg.Retry.MaxRetries = h.MaxRetries
	if h.InitialBackoff > 0 {
		cfg.Retry.InitialBackoff = h.InitialBackoff
	}
	if h.MaxBackoff > 0 {
		cfg.Retry.MaxBackoff = h.MaxBackoff
	}
	return cfg
}

// JournalConfig 事件日志配置
type JournalConfig struct {
	// 是否启用（需要 Database 配置）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 缓冲区大小
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`
	// 批量写入大小
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// 刷新间隔
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	// 保留时长，0 表示永久保留
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// ToJournalConfig 转换为事件日志写入配置
func (j JournalConfig) ToJournalConfig() persistence.JournalConfig {
	return persistence.JournalConfig{
		BufferSize:    j.BufferSize,
		BatchSize:     j.BatchSize,
		FlushInterval: j.FlushInterval,
	}
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 关闭 OTLP 连接的 TLS（本地 collector 场景）
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 指标导出周期
	MetricInterval time.Duration `yaml:"metric_interval" env:"METRIC_INTERVAL"`
	// 实例标识，区分同一 fleet 的多个管理器副本；为空时使用主机名
	InstanceID string `yaml:"instance_id" env:"INSTANCE_ID"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "FLEETGUARD",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, "rate_limit_rps must not be negative")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "tls_cert_file and tls_key_file must be set together")
	}

	if err := c.FaultTolerance.ToCore().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	switch persistence.StoreType(c.Handoff.Store) {
	case persistence.StoreTypeMemory, persistence.StoreTypeRedis:
	default:
		errs = append(errs, fmt.Sprintf("unsupported handoff store %q", c.Handoff.Store))
	}
	if c.Handoff.MaxRetries < 0 {
		errs = append(errs, "handoff max_retries must not be negative")
	}

	if c.Journal.Enabled {
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
		}
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "sample_rate must be between 0 and 1")
	}
	if c.Telemetry.MetricInterval < 0 {
		errs = append(errs, "telemetry metric_interval must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
