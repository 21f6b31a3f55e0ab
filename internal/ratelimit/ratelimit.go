// Package ratelimit implements per-(product, identity) admission control: a
// lazy-refill token bucket for bursts plus a calendar-day request quota.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	gateway "github.com/eugener/keygate/internal"
)

// Defaults applied when a Config field is zero.
const (
	DefaultCapacity   = 10
	DefaultRefillRate = 5.0
	DefaultDailyQuota = 200000
)

// ErrCostTooLarge is returned when a single request asks for more tokens than
// the bucket can ever hold.
var ErrCostTooLarge = errors.New("ratelimit: cost exceeds bucket capacity")

// Config holds the limiter parameters shared by every key.
type Config struct {
	Capacity   float64        // bucket size
	RefillRate float64        // tokens per second
	DailyQuota int64          // admitted requests per day; 0 = unlimited
	Location   *time.Location // day boundary; nil = UTC
}

// DefaultConfig returns capacity 10, refill 5/s, daily quota 200000, UTC.
func DefaultConfig() Config {
	return Config{
		Capacity:   DefaultCapacity,
		RefillRate: DefaultRefillRate,
		DailyQuota: DefaultDailyQuota,
		Location:   time.UTC,
	}
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.RefillRate <= 0 {
		c.RefillRate = DefaultRefillRate
	}
	if c.DailyQuota < 0 {
		c.DailyQuota = 0
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// day returns the calendar day of t in the configured location.
func (c Config) day(t time.Time) string {
	return t.In(c.Location).Format(time.DateOnly)
}

// untilNextDay returns the time remaining until the next day boundary.
func (c Config) untilNextDay(t time.Time) time.Duration {
	local := t.In(c.Location)
	y, m, d := local.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, c.Location)
	return next.Sub(local)
}

// Key identifies one rate-limit subject.
type Key struct {
	Product  string
	Identity string
}

func (k Key) String() string { return k.Product + ":" + k.Identity }

// Reason explains a rejection.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonBucket
	ReasonDailyQuota
)

func (r Reason) String() string {
	switch r {
	case ReasonBucket:
		return "bucket"
	case ReasonDailyQuota:
		return "daily_quota"
	default:
		return "none"
	}
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Reason     Reason
	Remaining  float64 // tokens left in the bucket
	DailyUsed  int64   // admitted requests today, including this one
	RetryAfter time.Duration
}

// Limiter performs an atomic refill-check-deduct for one key.
type Limiter interface {
	Take(ctx context.Context, key Key, cost float64) (Result, error)
}

// CheckAndConsume admits one request for key or returns a
// *gateway.RetryAfterError wrapping ErrRateLimited or ErrQuotaExceeded.
// Backend failures are returned as-is.
func CheckAndConsume(ctx context.Context, l Limiter, key Key) (Result, error) {
	res, err := l.Take(ctx, key, 1)
	if err != nil {
		return res, fmt.Errorf("ratelimit: %w", err)
	}
	if res.Allowed {
		return res, nil
	}
	sentinel := gateway.ErrRateLimited
	if res.Reason == ReasonDailyQuota {
		sentinel = gateway.ErrQuotaExceeded
	}
	return res, &gateway.RetryAfterError{Err: sentinel, RetryAfter: res.RetryAfter}
}

// Option configures a limiter backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Bucket is a token bucket with lazy refill (no background goroutine).
type Bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(capacity, rate float64, now time.Time) Bucket {
	return Bucket{tokens: capacity, max: capacity, rate: rate, lastFill: now}
}

// refill adds tokens based on elapsed time since last refill. A clock that
// moves backwards refills nothing.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// tryConsume removes n tokens if available.
func (b *Bucket) tryConsume(n float64) bool {
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// retryAfter returns the wait until n tokens are available.
func (b *Bucket) retryAfter(n float64) time.Duration {
	if b.tokens >= n {
		return 0
	}
	return seconds((n - b.tokens) / b.rate)
}

func (b *Bucket) full() bool { return b.tokens >= b.max }

// dailyCounter counts admitted requests within one calendar day.
type dailyCounter struct {
	day   string
	count int64
}

// roll resets the counter when the calendar day changed.
func (d *dailyCounter) roll(day string) {
	if d.day != day {
		d.day = day
		d.count = 0
	}
}

// admit runs the shared decision: refill, roll the day, check the quota,
// then check and deduct the bucket. Callers hold the per-key lock.
func (c Config) admit(b *Bucket, d *dailyCounter, cost float64, now time.Time) Result {
	b.refill(now)
	d.roll(c.day(now))

	if c.DailyQuota > 0 && d.count >= c.DailyQuota {
		return Result{
			Reason:     ReasonDailyQuota,
			Remaining:  b.tokens,
			DailyUsed:  d.count,
			RetryAfter: c.untilNextDay(now),
		}
	}
	if !b.tryConsume(cost) {
		return Result{
			Reason:     ReasonBucket,
			Remaining:  b.tokens,
			DailyUsed:  d.count,
			RetryAfter: b.retryAfter(cost),
		}
	}
	d.count++
	return Result{Allowed: true, Remaining: b.tokens, DailyUsed: d.count}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
