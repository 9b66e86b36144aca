package llm

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "CivicNotice/internal/errors"
	"CivicNotice/pkg/logger"
)

// RetryPolicy 控制补全调用的有限重试。
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 8 * time.Second
)

// RetryClient 在底层 Client 外包裹指数退避重试。
type RetryClient struct {
	next   Client
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryClient 创建带重试的 Client；MaxAttempts<=1 时直接返回原 Client。
func NewRetryClient(next Client, policy RetryPolicy) Client {
	if next == nil || policy.MaxAttempts <= 1 {
		return next
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = defaultInitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = defaultMaxBackoff
	}
	return &RetryClient{next: next, policy: policy, sleep: sleepContext}
}

// Complete 实现 Client 接口。调用方取消或超时时立即返回，不再重试。
func (c *RetryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	backoff := c.policy.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		resp, err := c.next.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !shouldRetry(ctx, err) || attempt == c.policy.MaxAttempts {
			break
		}
		logger.L().Warn("大模型调用失败，准备重试",
			slog.String("stage", req.Stage),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
		if backoff > c.policy.MaxBackoff {
			backoff = c.policy.MaxBackoff
		}
	}
	return nil, lastErr
}

func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if stdErrors.Is(err, context.Canceled) {
		return false
	}
	if e, ok := xerrors.From(err); ok {
		return e.Retryable()
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
