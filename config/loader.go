// =============================================================================
// 📦 dagflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("dagflow.yaml").
//	    WithEnvPrefix("DAGFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 dagflow 的完整配置结构
type Config struct {
	// Namespace 所有存储键的前缀，同时是默认队列名
	Namespace string `yaml:"namespace" env:"NAMESPACE"`

	// Redis 共享存储配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Lock 后继节点锁配置
	Lock LockConfig `yaml:"lock" env:"LOCK"`

	// Worker 执行端配置
	Worker WorkerConfig `yaml:"worker" env:"WORKER"`

	// History 节点状态审计配置
	History HistoryConfig `yaml:"history" env:"HISTORY"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics 指标端点配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
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
	// 最大重试次数（仅网络层）
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 健康检查间隔，0 表示关闭
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// LockConfig 锁配置
type LockConfig struct {
	// 租约时长，持有者崩溃后锁在此时间后自动失效
	Lease time.Duration `yaml:"lease" env:"LEASE"`
	// 首次重试延迟
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	// 最大重试延迟
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 退避倍数
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// 最大尝试次数
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

// WorkerConfig 执行端配置
type WorkerConfig struct {
	// 并发执行的节点数
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
	// 消费的队列，为空时使用 Namespace
	Queues []string `yaml:"queues" env:"QUEUES"`
	// 阻塞拉取超时
	PollTimeout time.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
	// 每秒最多拉取的请求数，0 表示不限
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// HistoryConfig 审计数据库配置
type HistoryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 连接串
	DSN string `yaml:"dsn" env:"DSN"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
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
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否暴露 /metrics
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
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
		envPrefix:  "DAGFLOW",
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
			return nil, fmt.Errorf("config file %s: %w", l.configPath, err)
		}
	}
	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// =============================================================================
// 🌱 环境变量覆盖
// =============================================================================

// envField 一个可由环境变量覆盖的叶子字段
type envField struct {
	key   string
	value reflect.Value
}

// EnvKeys 列出当前前缀下所有支持的环境变量名
func (l *Loader) EnvKeys() []string {
	fields := collectEnvFields(reflect.ValueOf(DefaultConfig()).Elem(), l.envPrefix, nil)
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.key
	}
	return keys
}

func (l *Loader) applyEnv(cfg *Config) error {
	for _, f := range collectEnvFields(reflect.ValueOf(cfg).Elem(), l.envPrefix, nil) {
		raw, ok := os.LookupEnv(f.key)
		if !ok || raw == "" {
			continue
		}
		if err := assignEnv(f.value, raw); err != nil {
			return fmt.Errorf("env %s=%q: %w", f.key, raw, err)
		}
	}
	return nil
}

// collectEnvFields 按 env 标签展开嵌套结构体，键为 PREFIX_SECTION_FIELD
func collectEnvFields(v reflect.Value, prefix string, out []envField) []envField {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		if field := v.Field(i); field.Kind() == reflect.Struct {
			out = collectEnvFields(field, key, out)
		} else {
			out = append(out, envField{key: key, value: field})
		}
	}
	return out
}

var durationType = reflect.TypeOf(time.Duration(0))

// assignEnv 解析字符串并写入字段；切片按逗号分隔
func assignEnv(field reflect.Value, raw string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.String:
		field.SetString(raw)
	case field.CanInt():
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case field.CanFloat():
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		var items []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// =============================================================================
// ✅ 校验
// =============================================================================

var historyDrivers = map[string]bool{"postgres": true, "mysql": true, "sqlite": true}

// Validate 校验配置，返回全部问题
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Namespace != "", "namespace must not be empty")
	check(!strings.ContainsAny(c.Namespace, ".|"), "namespace must not contain '.' or '|'")
	check(c.Redis.Addr != "", "redis addr must not be empty")
	check(c.Lock.Lease > 0, "lock lease must be positive")
	check(c.Lock.MaxAttempts > 0, "lock max_attempts must be positive")
	check(c.Worker.Concurrency > 0, "worker concurrency must be positive")
	check(c.Worker.RateLimit >= 0, "worker rate_limit must not be negative")
	if c.History.Enabled {
		check(historyDrivers[c.History.Driver], "history driver must be one of postgres, mysql, sqlite")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// QueueNames 返回 Worker 需要消费的队列，缺省为命名空间本身
func (c *Config) QueueNames() []string {
	if len(c.Worker.Queues) == 0 {
		return []string{c.Namespace}
	}
	return c.Worker.Queues
}
