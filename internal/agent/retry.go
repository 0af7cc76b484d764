package agent

import (
	"context"
	"math"
	"time"

	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/llm"
)

// RetryPolicy controls how failed completion calls are retried with
// exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 3 attempts, 1s initial delay, 2x multiplier, 20s cap.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     20 * time.Second,
	}
}

// ShouldRetry reports whether attempt (1-indexed) may be followed by another.
// Only errors classified as retryable (timeouts, rate limits, 5xx) qualify.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.attempts() {
		return false
	}
	return xerrors.RetryableError(err)
}

func (p *RetryPolicy) attempts() int {
	return max(p.MaxAttempts, 1)
}

// NextDelay returns InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Execute runs fn until it succeeds, fails permanently or attempts run out.
// Exhausting retryable failures yields COMPLETION_UNAVAILABLE.
func (p *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err, attempt) {
			if xerrors.RetryableError(err) {
				return xerrors.Wrap(llm.CodeCompletionUnavailable, err, "补全服务多次重试后仍不可用")
			}
			return err
		}
		if err := p.wait(ctx, p.NextDelay(attempt)); err != nil {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "等待重试时上下文结束")
		}
	}
}

func (p *RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
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
