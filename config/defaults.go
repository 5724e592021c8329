// =============================================================================
// 📦 dagflow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultNamespace 默认命名空间
const DefaultNamespace = "dwf"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Namespace: DefaultNamespace,
		Redis:     DefaultRedisConfig(),
		Lock:      DefaultLockConfig(),
		Worker:    DefaultWorkerConfig(),
		History:   DefaultHistoryConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		Password:            "",
		DB:                  0,
		PoolSize:            10,
		MinIdleConns:        2,
		MaxRetries:          3,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultLockConfig 返回默认锁配置
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Lease:        30 * time.Second,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  20,
	}
}

// DefaultWorkerConfig 返回默认 Worker 配置
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency: 5,
		PollTimeout: 2 * time.Second,
	}
}

// DefaultHistoryConfig 返回默认审计配置
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Enabled:      false,
		Driver:       "sqlite",
		DSN:          "dagflow-history.db",
		MaxOpenConns: 10,
		MaxIdleConns: 2,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "dagflow",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: false,
		Addr:    ":9091",
	}
}
