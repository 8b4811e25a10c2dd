package payment

import (
	"context"
	"fmt"
	"strconv"
	"time"

	ikeys "github.com/UniQw/glowq-go/internal/keys"
	"github.com/redis/go-redis/v9"
)

// hitScript increments the counter and starts its window on creation, in one
// step so two first hits cannot both set the expiry. A counter that somehow
// lost its expiry gets a fresh window rather than living forever.
var hitScript = redis.NewScript(
	// language=Lua
	`
	local n = redis.call('INCR', KEYS[1])
	if n == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
	  redis.call('PEXPIRE', KEYS[1], ARGV[1])
	  ttl = tonumber(ARGV[1])
	end
	return {n, ttl}
	`,
)

// Usage is the state of a user's rate limit window.
type Usage struct {
	Count     int64
	Remaining int64
	// ResetIn is the time left in the window; zero when no window is open.
	ResetIn time.Duration
}

// Limited reports whether the next attempt would be rejected.
func (u Usage) Limited() bool { return u.Remaining <= 0 }

// Limiter is a fixed-window attempt counter per user, stored at
// "payment_attempts:<userId>" and shared by every process using the store.
type Limiter struct {
	rdb    redis.UniversalClient
	ns     string
	limit  int64
	window time.Duration
}

// NewLimiter allows limit attempts per user per window.
func NewLimiter(rdb redis.UniversalClient, namespace string, limit int, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, ns: namespace, limit: int64(limit), window: window}
}

// Allow counts one attempt for userID. It returns *RateLimitedError when the
// incremented count exceeds the limit.
func (l *Limiter) Allow(ctx context.Context, userID string) (Usage, error) {
	res, err := hitScript.Run(ctx, l.rdb, []string{ikeys.PaymentAttempts(l.ns, userID)}, l.window.Milliseconds()).Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("rate limit: %w", err)
	}
	if len(res) != 2 {
		return Usage{}, fmt.Errorf("rate limit: unexpected reply %v", res)
	}
	n, _ := res[0].(int64)
	ttl, _ := res[1].(int64)
	u := l.usage(n, time.Duration(ttl)*time.Millisecond)
	if n > l.limit {
		return u, &RateLimitedError{UserID: userID, RetryAfter: u.ResetIn}
	}
	return u, nil
}

// Peek reads the user's window without counting an attempt.
func (l *Limiter) Peek(ctx context.Context, userID string) (Usage, error) {
	key := ikeys.PaymentAttempts(l.ns, userID)
	var get *redis.StringCmd
	var ttl *redis.DurationCmd
	_, err := l.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, key)
		ttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil && err != redis.Nil {
		return Usage{}, fmt.Errorf("rate limit: %w", err)
	}
	n, perr := strconv.ParseInt(get.Val(), 10, 64)
	if perr != nil {
		// no window open
		return l.usage(0, 0), nil
	}
	return l.usage(n, ttl.Val()), nil
}

func (l *Limiter) usage(n int64, ttl time.Duration) Usage {
	if ttl < 0 {
		ttl = 0
	}
	rem := l.limit - n
	if rem < 0 {
		rem = 0
	}
	return Usage{Count: n, Remaining: rem, ResetIn: ttl}
}
