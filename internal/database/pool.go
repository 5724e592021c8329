package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/dagflow/internal/retry"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("database pool is closed")

// =============================================================================
// 🗄️ 审计库连接池
// =============================================================================

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`

	// 后台探活间隔，0 表示不探活
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        2,
		MaxOpenConns:        10,
		ConnMaxLifetime:     time.Hour,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Pool 包装 GORM 连接与其底层 *sql.DB
type Pool struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config PoolConfig
	logger *zap.Logger

	closed  atomic.Bool
	healthy atomic.Bool
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// Dialector 按驱动名返回 GORM 方言：postgres、mysql 或 sqlite
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite", "sqlite3":
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// Open 按驱动打开数据库并返回连接池
func Open(driver, dsn string, config PoolConfig, logger *zap.Logger) (*Pool, error) {
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	return Wrap(db, config, logger)
}

// Wrap 对已打开的 GORM 连接应用连接池参数
func Wrap(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*Pool, error) {
	if db == nil {
		return nil, errors.New("database: nil *gorm.DB")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)

	p := &Pool{
		db:     db,
		sqlDB:  sqlDB,
		config: config,
		logger: logger.With(zap.String("component", "db_pool")),
	}
	p.healthy.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	if config.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.probe(ctx)
	}
	return p, nil
}

// DB 返回 GORM 实例
func (p *Pool) DB() *gorm.DB { return p.db }

// Stats 返回 database/sql 连接统计
func (p *Pool) Stats() sql.DBStats { return p.sqlDB.Stats() }

// Healthy 返回最近一次后台探活的结果
func (p *Pool) Healthy() bool { return p.healthy.Load() && !p.closed.Load() }

// Ping 直接探测数据库
func (p *Pool) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	return p.sqlDB.PingContext(ctx)
}

// Close 停止探活并关闭连接，可重复调用
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.stop()
	p.wg.Wait()
	return p.sqlDB.Close()
}

func (p *Pool) probe(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.sqlDB.PingContext(pingCtx)
		cancel()

		// 只在状态翻转时记录
		if was := p.healthy.Swap(err == nil); was != (err == nil) {
			if err != nil {
				p.logger.Warn("history database unreachable", zap.Error(err))
			} else {
				p.logger.Info("history database reachable again")
			}
		}
	}
}

// =============================================================================
// 🔄 事务
// =============================================================================

// TxFunc 在事务内执行
type TxFunc func(tx *gorm.DB) error

// Tx 在单个事务中执行 fn，fn 返回错误时回滚
func (p *Pool) Tx(ctx context.Context, fn TxFunc) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	return p.db.WithContext(ctx).Transaction(fn)
}

// TxRetry 与 Tx 相同，但对死锁、序列化冲突等瞬时错误退避重试
func (p *Pool) TxRetry(ctx context.Context, attempts int, fn TxFunc) error {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = attempts
	policy.InitialDelay = 100 * time.Millisecond
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.logger.Warn("transaction retry",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	return retry.NewBackoff(policy, p.logger).Do(ctx, func(int) error {
		err := p.Tx(ctx, fn)
		if transient(err) {
			return retry.Retryable(err)
		}
		return err
	})
}

// transientMarkers 各驱动瞬时错误文本的小写片段
var transientMarkers = []string{
	"deadlock",
	"40001",
	"could not serialize",
	"serialization failure",
	"lock wait timeout",
	"database is locked",
	"connection reset",
	"connection refused",
	"broken pipe",
	"bad connection",
}

func transient(err error) bool {
	if err == nil || errors.Is(err, ErrPoolClosed) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
