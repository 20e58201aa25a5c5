// Package limits enforces per-account request rates in front of the proxy.
package limits

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

const (
	idleSweepInterval = 2 * time.Minute
	idleTTL           = 10 * time.Minute
)

type Policy struct {
	RequestsPerSecond float64
	Burst             int
}

func (p Policy) Enabled() bool {
	return p.RequestsPerSecond > 0
}

// Rejection describes a denied request.
type Rejection struct {
	Code              string
	Message           string
	RetryAfterSeconds int
}

type accountBucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// AccountLimiter keeps one token bucket per account. Buckets idle for
// longer than idleTTL are dropped on the next sweep.
type AccountLimiter struct {
	policy  Policy
	buckets *xsync.Map[string, *accountBucket]
	nowFn   func() time.Time

	lastSweep atomic.Int64
}

func NewAccountLimiter(policy Policy) *AccountLimiter {
	if policy.Burst <= 0 {
		policy.Burst = int(math.Max(1, math.Ceil(policy.RequestsPerSecond)))
	}
	return &AccountLimiter{
		policy:  policy,
		buckets: xsync.NewMap[string, *accountBucket](),
		nowFn:   time.Now,
	}
}

func (l *AccountLimiter) Enabled() bool {
	return l != nil && l.policy.Enabled()
}

// Allow consumes one token for accountID. A nil Rejection means the request
// may proceed.
func (l *AccountLimiter) Allow(accountID string) *Rejection {
	if !l.Enabled() || accountID == "" {
		return nil
	}
	now := l.nowFn()
	l.maybeSweep(now)

	bucket, _ := l.buckets.LoadOrCompute(accountID, func() (*accountBucket, bool) {
		return &accountBucket{limiter: rate.NewLimiter(rate.Limit(l.policy.RequestsPerSecond), l.policy.Burst)}, false
	})
	bucket.lastSeen.Store(now.UnixNano())

	reservation := bucket.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return &Rejection{Code: "ACCOUNT_RATE_LIMIT_EXCEEDED", Message: "request rate limit exceeded for account", RetryAfterSeconds: 1}
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	reservation.CancelAt(now)
	return &Rejection{
		Code:              "ACCOUNT_RATE_LIMIT_EXCEEDED",
		Message:           "request rate limit exceeded for account",
		RetryAfterSeconds: retryAfterSeconds(delay),
	}
}

// Accounts is the number of tracked buckets.
func (l *AccountLimiter) Accounts() int {
	if l == nil {
		return 0
	}
	return l.buckets.Size()
}

func (l *AccountLimiter) maybeSweep(now time.Time) {
	last := l.lastSweep.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < idleSweepInterval {
		return
	}
	if !l.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	cutoff := now.Add(-idleTTL).UnixNano()
	l.buckets.Range(func(accountID string, bucket *accountBucket) bool {
		if bucket.lastSeen.Load() < cutoff {
			l.buckets.Delete(accountID)
		}
		return true
	})
}

func retryAfterSeconds(delay time.Duration) int {
	seconds := int(math.Ceil(delay.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
