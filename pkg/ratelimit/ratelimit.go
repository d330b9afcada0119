// Package ratelimit enforces a per-pubkey publish quota (token bucket)
// against an injectable clock so tests can drive it deterministically
// instead of depending on wall time (§4.3).
package ratelimit

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// Clock returns the current time used to advance token buckets.
type Clock func() time.Time

// Limiter holds one token bucket per pubkey against an injectable clock.
type Limiter struct {
	buckets    *xsync.MapOf[string, *rate.Limiter]
	ratePerSec float64
	burst      int
	now        Clock
}

// Config configures a Limiter: RatePerSec/Burst parameterize each
// pubkey's token bucket, and Now supplies the clock (defaults to
// time.Now).
type Config struct {
	RatePerSec float64
	Burst      int
	Now        Clock
}

// New constructs a Limiter from cfg.
func New(cfg Config) *Limiter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		buckets:    xsync.NewMapOf[string, *rate.Limiter](),
		ratePerSec: cfg.RatePerSec,
		burst:      cfg.Burst,
		now:        now,
	}
}

func (l *Limiter) bucketFor(pubkey string) *rate.Limiter {
	b, _ := l.buckets.LoadOrCompute(pubkey, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(l.ratePerSec), l.burst)
	})
	return b
}

// Consume draws one token from pubkey's bucket, reporting whether the
// publish is allowed. It must only be invoked after signature
// verification has already succeeded, so a forged pubkey can never drain
// a legitimate publisher's bucket (§4.5).
func (l *Limiter) Consume(pubkey string) bool {
	return l.bucketFor(pubkey).AllowN(l.now(), 1)
}
