// Package kvstore provides the Redis-backed key-value client.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 存储客户端
// =============================================================================

// Client 键值存储客户端
type Client struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// Config 存储配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig 返回默认存储配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// ErrNotFound 键或字段不存在
var ErrNotFound = errors.New("kvstore: not found")

// IsNotFound 判断是否为不存在错误
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// errClosed 客户端已关闭
var errClosed = errors.New("kvstore: client is closed")

// compareAndDelete 仅当值与持有者一致时删除
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewClient 创建存储客户端
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := NewFromRedis(client, config, logger)

	// 启动健康检查
	if config.HealthCheckInterval > 0 {
		go c.healthCheckLoop()
	}

	c.logger.Info("kv store initialized",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize),
	)

	return c, nil
}

// NewFromRedis 包装已有的 go-redis 客户端
func NewFromRedis(client *redis.Client, config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "kvstore")),
	}
}

// Redis 返回底层 go-redis 客户端
func (c *Client) Redis() *redis.Client {
	return c.redis
}

func (c *Client) guard() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errClosed
	}
	return nil
}

// =============================================================================
// 🎯 字符串键
// =============================================================================

// Get 获取字符串值
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}

	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		c.logger.Error("kv get failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}

	return val, nil
}

// Set 覆盖写入字符串值（不过期）
func (c *Client) Set(ctx context.Context, key string, value string) error {
	if err := c.guard(); err != nil {
		return err
	}

	if err := c.redis.Set(ctx, key, value, 0).Err(); err != nil {
		c.logger.Error("kv set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("kv set %s: %w", key, err)
	}

	return nil
}

// SetNX 仅当键不存在时写入，ttl 为 0 时不过期
func (c *Client) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}

	ok, err := c.redis.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}

	return ok, nil
}

// CompareAndDelete 当键的值等于 expected 时删除，返回是否删除
func (c *Client) CompareAndDelete(ctx context.Context, key string, expected string) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}

	n, err := compareAndDelete.Run(ctx, c.redis, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("kv compare-and-delete %s: %w", key, err)
	}

	return n == 1, nil
}

// RunScript 执行 Lua 脚本，返回整数结果
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}

	n, err := script.Run(ctx, c.redis, keys, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("kv script %v: %w", keys, err)
	}

	return n, nil
}

// Delete 删除键
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if err := c.guard(); err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}

	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		c.logger.Error("kv delete failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("kv delete: %w", err)
	}

	return nil
}

// Exists 检查键是否存在
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}

	count, err := c.redis.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("kv exists %s: %w", key, err)
	}

	return count > 0, nil
}

// Keys 通过 SCAN 枚举匹配模式的键
func (c *Client) Keys(ctx context.Context, match string) ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	var keys []string
	iter := c.redis.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv scan %s: %w", match, err)
	}

	return keys, nil
}

// =============================================================================
// 🗂️ 哈希键
// =============================================================================

// HGet 获取哈希字段
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}

	val, err := c.redis.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv hget %s %s: %w", key, field, err)
	}

	return val, nil
}

// HSet 覆盖写入哈希字段
func (c *Client) HSet(ctx context.Context, key string, values ...any) error {
	if err := c.guard(); err != nil {
		return err
	}

	if err := c.redis.HSet(ctx, key, values...).Err(); err != nil {
		c.logger.Error("kv hset failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("kv hset %s: %w", key, err)
	}

	return nil
}

// HSetNX 仅当字段不存在时写入
func (c *Client) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}

	ok, err := c.redis.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, fmt.Errorf("kv hsetnx %s %s: %w", key, field, err)
	}

	return ok, nil
}

// HExists 检查哈希字段是否存在
func (c *Client) HExists(ctx context.Context, key, field string) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}

	ok, err := c.redis.HExists(ctx, key, field).Result()
	if err != nil {
		return false, fmt.Errorf("kv hexists %s %s: %w", key, field, err)
	}

	return ok, nil
}

// HVals 获取哈希所有值
func (c *Client) HVals(ctx context.Context, key string) ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	vals, err := c.redis.HVals(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv hvals %s: %w", key, err)
	}

	return vals, nil
}

// HGetAll 获取哈希全部字段
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	vals, err := c.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv hgetall %s: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}

	return vals, nil
}

// HFirst 返回哈希中扫描到的第一个值
func (c *Client) HFirst(ctx context.Context, key string) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}

	var cursor uint64
	for {
		kvs, next, err := c.redis.HScan(ctx, key, cursor, "", 10).Result()
		if err != nil {
			return "", fmt.Errorf("kv hscan %s: %w", key, err)
		}
		// HSCAN 返回 field, value 交替排列
		if len(kvs) >= 2 {
			return kvs[1], nil
		}
		if next == 0 {
			return "", ErrNotFound
		}
		cursor = next
	}
}

// HIncrBy 原子增减哈希整数字段
func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}

	n, err := c.redis.HIncrBy(ctx, key, field, incr).Result()
	if err != nil {
		return 0, fmt.Errorf("kv hincrby %s %s: %w", key, field, err)
	}

	return n, nil
}

// =============================================================================
// 📬 列表队列
// =============================================================================

// LPush 入队
func (c *Client) LPush(ctx context.Context, key string, values ...any) error {
	if err := c.guard(); err != nil {
		return err
	}

	if err := c.redis.LPush(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("kv lpush %s: %w", key, err)
	}

	return nil
}

// BRPop 阻塞出队，超时返回 ErrNotFound
func (c *Client) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	if err := c.guard(); err != nil {
		return "", "", err
	}

	res, err := c.redis.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("kv brpop: %w", err)
	}

	return res[0], res[1], nil
}

// LLen 队列长度
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	if err := c.guard(); err != nil {
		return 0, err
	}

	n, err := c.redis.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv llen %s: %w", key, err)
	}

	return n, nil
}

// =============================================================================
// 🏥 生命周期
// =============================================================================

// Ping 检查 Redis 连接
func (c *Client) Ping(ctx context.Context) error {
	if err := c.guard(); err != nil {
		return err
	}

	return c.redis.Ping(ctx).Err()
}

// Close 关闭客户端
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Info("closing kv store")

	return c.redis.Close()
}

// healthCheckLoop 健康检查循环
func (c *Client) healthCheckLoop() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for range ticker.C {
		if c.guard() != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.Ping(ctx); err != nil {
			c.logger.Error("kv health check failed", zap.Error(err))
		} else {
			c.logger.Debug("kv health check passed")
		}
		cancel()
	}
}
