// Package backoff computes retry waits: jittered exponential delays, or the
// wait a server asked for through Retry-After.
package backoff

import (
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Policy describes one retry loop. Attempts are 1-based; MaxAttempts bounds
// the number of retries, not counting the initial try.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// JitterRatio widens each delay to ±JitterRatio*delay. Zero disables jitter.
	JitterRatio float64
}

var (
	// SyncPolicy reschedules sync tasks: 5s, 10s, 20s ... capped at 5m.
	SyncPolicy = Policy{
		BaseDelay:   5 * time.Second,
		MaxDelay:    300 * time.Second,
		MaxAttempts: 8,
	}
	// HTTPPolicy governs outbound calls answered with 429 or 503.
	HTTPPolicy = Policy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
		JitterRatio: 0.2,
	}
)

// Calculator is deterministic given its random source and clock.
type Calculator struct {
	rand func() float64
	now  func() time.Time
}

type Option func(*Calculator)

// WithRand sets the uniform [0,1) source used for jitter.
func WithRand(fn func() float64) Option {
	return func(c *Calculator) { c.rand = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(c *Calculator) { c.now = fn }
}

func New(opts ...Option) *Calculator {
	c := &Calculator{
		rand: rand.Float64,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delay returns min(MaxDelay, BaseDelay*2^(attempt-1)) widened by the policy's
// jitter band and floored at zero.
func (c *Calculator) Delay(attempt int, p Policy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterRatio > 0 {
		span := float64(delay) * p.JitterRatio
		delay = time.Duration(float64(delay) + (c.rand()*2-1)*span)
	}
	if delay < 0 {
		return 0
	}
	return delay
}

// Wait prefers a parseable Retry-After value, capped at MaxDelay, and falls
// back to Delay otherwise.
func (c *Calculator) Wait(attempt int, p Policy, retryAfter string) time.Duration {
	if wait, ok := ParseRetryAfter(retryAfter, c.now()); ok {
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			return p.MaxDelay
		}
		return wait
	}
	return c.Delay(attempt, p)
}

// ParseRetryAfter accepts delta-seconds or an HTTP-date. Malformed values
// report false so callers fall back to exponential backoff.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if isDigits(value) {
		seconds, err := strconv.ParseInt(value, 10, 64)
		if err != nil || seconds > int64(math.MaxInt64/time.Second) {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	if wait := at.Sub(now); wait > 0 {
		return wait, true
	}
	return 0, true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
