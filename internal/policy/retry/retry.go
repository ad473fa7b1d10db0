// Package retry decides whether a failed fetch is requeued and with what delay.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/render-crawler/internal/crawler"
)

// Config holds the retry budget and backoff bounds.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig returns a three-attempt budget with 250ms..30s backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Decision is either a retry after Delay or an abandon with Reason.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason error
}

// Controller applies the transient-retry / permanent-abandon policy.
type Controller struct {
	cfg    Config
	jitter func(limit time.Duration) time.Duration
}

// Option customizes a Controller.
type Option func(*Controller)

// WithJitter replaces the random source. fn must return a value in [0, limit).
func WithJitter(fn func(limit time.Duration) time.Duration) Option {
	return func(c *Controller) {
		c.jitter = fn
	}
}

// New builds a Controller. Missing fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	c := &Controller{cfg: cfg, jitter: randomJitter}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxAttempts returns the configured budget.
func (c *Controller) MaxAttempts() int {
	return c.cfg.MaxAttempts
}

// Decide inspects an entry that has just finished an attempt. Permanent
// failures are abandoned at once; transient ones are retried while
// AttemptCount < MaxAttempts.
func (c *Controller) Decide(entry crawler.FrontierEntry, result crawler.FetchResult) Decision {
	switch result.Class {
	case crawler.OutcomeSuccess:
		return Decision{}
	case crawler.OutcomePermanent:
		reason := result.Err
		if reason == nil {
			reason = crawler.NewFetchError(crawler.OutcomePermanent, result.Status, crawler.ErrUnsupportedContent)
		}
		return Decision{Reason: reason}
	}
	if entry.AttemptCount >= c.cfg.MaxAttempts {
		return Decision{Reason: crawler.ErrRetryBudgetExhausted}
	}
	return Decision{Retry: true, Delay: c.Backoff(entry.AttemptCount)}
}

// Backoff returns base * 2^attempt scaled by a factor in [0.5, 1). The cap at
// MaxDelay applies to the scaled value.
func (c *Controller) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	ceiling := float64(c.cfg.MaxDelay)
	raw := float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if raw >= 2*ceiling {
		return c.cfg.MaxDelay
	}
	half := time.Duration(raw / 2)
	j := c.jitter(half)
	if j < 0 || j >= half {
		j = 0
	}
	return min(half+j, c.cfg.MaxDelay)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
