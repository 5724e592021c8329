// Package retry 提供有界的指数退避重试。
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy 定义重试策略配置
type Policy struct {
	MaxAttempts  int                                               // 最大尝试次数（含首次，至少 1）
	InitialDelay time.Duration                                     // 初始延迟时间
	MaxDelay     time.Duration                                     // 最大延迟时间
	Multiplier   float64                                           // 延迟时间倍增因子
	Jitter       bool                                              // 是否添加随机抖动
	OnRetry      func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultPolicy 返回默认策略，适用于锁竞争等短时冲突
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  20,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// ErrExhausted 所有尝试都因可重试错误失败
var ErrExhausted = errors.New("retry attempts exhausted")

// Backoff 基于指数退避的重试器
type Backoff struct {
	policy Policy
	logger *zap.Logger
}

// NewBackoff 创建指数退避重试器
func NewBackoff(policy Policy, logger *zap.Logger) *Backoff {
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 50 * time.Millisecond
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}

	return &Backoff{policy: policy, logger: logger}
}

// Policy 返回生效的策略
func (b *Backoff) Policy() Policy {
	return b.policy
}

// Do 执行 fn，仅当返回被 Retryable 包装的错误时重试。
// 耗尽尝试次数时返回的错误同时匹配 ErrExhausted 与最后一次的原因。
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 1; attempt <= b.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := b.Delay(attempt - 1)

			b.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", b.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if b.policy.OnRetry != nil {
				b.policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		if !IsRetryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, b.policy.MaxAttempts, errors.Unwrap(lastErr))
}

// Delay 计算第 n 次重试前的延迟
// 指数退避：delay = initial * multiplier^(n-1)，±25% 抖动，夹在 [initial, max] 内
func (b *Backoff) Delay(n int) time.Duration {
	delay := float64(b.policy.InitialDelay) * math.Pow(b.policy.Multiplier, float64(n-1))

	if delay > float64(b.policy.MaxDelay) {
		delay = float64(b.policy.MaxDelay)
	}

	if b.policy.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}

	if delay < float64(b.policy.InitialDelay) {
		delay = float64(b.policy.InitialDelay)
	}
	if delay > float64(b.policy.MaxDelay) {
		delay = float64(b.policy.MaxDelay)
	}

	return time.Duration(delay)
}

// retryableError 可重试的错误类型
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// Retryable 将错误标记为可重试
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable 检查错误是否被 Retryable 包装
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}
