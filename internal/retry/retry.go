package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 退避策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Strategy        Strategy
	Logger          logrus.FieldLogger
	Operation       string // 出现在日志中的操作名
}

// DefaultConfig 默认配置：3 次，1 秒固定间隔
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        StrategyFixed,
		Logger:          logrus.StandardLogger(),
	}
}

// ErrExhausted 尝试次数用尽
var ErrExhausted = errors.New("max attempts reached")

// permanentError 不再重试的错误
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 包装错误使 Do 立即返回
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断是否为不可重试错误
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Func 可重试的函数
type Func func(ctx context.Context, attempt int) error

// Do 执行带重试的操作
// 返回的错误包含 ErrExhausted 和最后一次失败的原因
func Do(ctx context.Context, cfg *Config, fn Func) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var lastErr error
	interval := cfg.InitialInterval

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}

		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				logger.WithFields(logrus.Fields{
					"operation": cfg.Operation,
					"attempt":   attempt,
				}).Info("Operation succeeded after retry")
			}
			return nil
		}

		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		lastErr = err

		logger.WithFields(logrus.Fields{
			"operation": cfg.Operation,
			"attempt":   attempt,
			"max":       cfg.MaxAttempts,
			"error":     err.Error(),
		}).Warn("Operation failed")

		if attempt >= cfg.MaxAttempts {
			break
		}

		interval = NextInterval(cfg.Strategy, cfg.InitialInterval, cfg.MaxInterval, attempt)

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-time.After(interval):
		}
	}

	return fmt.Errorf("%w (%d): %w", ErrExhausted, cfg.MaxAttempts, lastErr)
}

// DoWithResult 执行带重试的操作并返回结果
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		res, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// NextInterval 计算第 attempt 次失败后的等待时间
func NextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration

	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}

	if max > 0 && next > max {
		next = max
	}
	return next
}
