package syncmgr

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"

	"hedge-core/internal/config"
	"hedge-core/internal/remote"
)

// RetryPolicy 描述远端调用的重试上限与退避。
type RetryPolicy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	// Retryable 为空时，除版本过期与取消外的错误都视为可重试。
	Retryable func(error) bool
}

// NewRetryPolicy 由配置构造重试策略，只重试远端判定为暂时性的错误。
func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		MinDelay:    cfg.MinDelay,
		MaxDelay:    cfg.MaxDelay,
		Retryable:   remote.IsRetryable,
	}
}

// Backoff 返回第 attempt 次（从 0 开始）重试前的等待时长：min(MinDelay·2^attempt, MaxDelay)。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.MinDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// ShouldRetry 判断已失败 attempts 次后是否还能继续重试。
func (p RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if attempts >= p.MaxAttempts {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return !errors.Is(err, remote.ErrStaleVersion) && !errors.Is(err, context.Canceled)
}

// Do 按策略执行 fn，直到成功、不可重试或 ctx 结束。
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !p.ShouldRetry(attempt+1, err) {
			return err
		}
		if waitErr := sleep(ctx, p.Backoff(attempt)); waitErr != nil {
			return multierr.Append(err, waitErr)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
