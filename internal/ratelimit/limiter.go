package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/giquina/LusoTown-sub006/internal/logging"
)

// Counter atomically increments a window-scoped counter and returns
// the post-increment count. The key embeds the window start, so a
// fresh window is simply a fresh key; implementations expire keys
// after roughly one window to bound storage.
type Counter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Tier       Tier          `json:"tier"`
	Category   Category      `json:"category"`
	Bypassed   bool          `json:"bypassed,omitempty"`
}

// Limiter enforces the configured limit tables with a fixed-window
// algorithm. Window boundaries are aligned to
// floor(now/window)*window, so all callers within the same window
// share one counter regardless of when each first arrived.
type Limiter struct {
	config  *Config
	counter Counter
	logger  logging.Logger

	// nowFunc is overridable in tests for window-boundary behavior.
	nowFunc func() time.Time
}

// NewLimiter validates the config and creates a limiter over the given
// counter backend.
func NewLimiter(config *Config, counter Counter, logger logging.Logger) (*Limiter, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	if logger == nil {
		logger = logging.NewNoOp()
	}
	return &Limiter{
		config:  config,
		counter: counter,
		logger:  logger.WithComponent("ratelimit"),
		nowFunc: time.Now,
	}, nil
}

// Check admits or rejects one request for the identifier under the
// tier/category budget. On rejection the result carries ResetTime and
// a positive RetryAfter; the caller must not run its business logic.
func (l *Limiter) Check(ctx context.Context, identifier string, tier Tier, category Category) (Result, error) {
	limit := l.config.LimitFor(tier, category)

	if l.config.IsBypassed(identifier) {
		return Result{
			Allowed:   true,
			Limit:     limit.Requests,
			Remaining: limit.Requests,
			ResetTime: l.windowEnd(limit.Window),
			Tier:      tier,
			Category:  category,
			Bypassed:  true,
		}, nil
	}

	windowStart := l.windowStart(limit.Window)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", identifier, category, windowStart.UnixMilli())

	count, err := l.counter.Increment(ctx, key, limit.Window)
	if err != nil {
		return Result{}, fmt.Errorf("rate limit counter failed: %w", err)
	}

	resetTime := windowStart.Add(limit.Window)
	remaining := limit.Requests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	result := Result{
		Allowed:   count <= int64(limit.Requests),
		Limit:     limit.Requests,
		Remaining: remaining,
		ResetTime: resetTime,
		Tier:      tier,
		Category:  category,
	}

	if !result.Allowed {
		retryAfter := resetTime.Sub(l.nowFunc())
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		result.RetryAfter = retryAfter

		l.logger.InfoContext(ctx, "Rate limit exceeded",
			"identifier", identifier,
			"tier", tier,
			"category", category,
			"limit", limit.Requests,
			"count", count,
			"retry_after_s", int(retryAfter.Seconds()))
	}

	return result, nil
}

// Config exposes the validated configuration for callers that need the
// limit tables (middleware, monitoring).
func (l *Limiter) Config() *Config {
	return l.config
}

func (l *Limiter) windowStart(window time.Duration) time.Time {
	now := l.nowFunc().UnixMilli()
	windowMs := window.Milliseconds()
	return time.UnixMilli(now / windowMs * windowMs)
}

func (l *Limiter) windowEnd(window time.Duration) time.Time {
	return l.windowStart(window).Add(window)
}
