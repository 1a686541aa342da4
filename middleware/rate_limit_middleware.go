package middleware

import (
	"context"
	"sync"

	"event-rpc/message"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// RateLimitErrorName is the remote_name of calls rejected by RateLimitMiddleware.
const RateLimitErrorName = "RateLimitError"

var errRateLimited = message.WithName(RateLimitErrorName, errors.New("rate limit exceeded"))

// RateLimiter keeps one token bucket per peer, so one noisy peer cannot starve the others.
// Buckets are dropped with Forget when the peer disconnects.
type RateLimiter struct {
	r     rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(r float64, burst int) *RateLimiter {
	return &RateLimiter{
		r:        rate.Limit(r),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *RateLimiter) limiter(peer string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[peer]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[peer] = lim
	}
	return lim
}

// Forget drops the bucket of a peer.
func (l *RateLimiter) Forget(peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, peer)
}

// Middleware rejects invocations beyond the peer's budget with a RateLimitError.
func (l *RateLimiter) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Return {
			if !l.limiter(inv.Peer).Allow() {
				return message.Thrown(errRateLimited, false)
			}
			return next(ctx, inv)
		}
	}
}

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件.
// Buckets are never forgotten; servers use a RateLimiter directly.
func RateLimitMiddleware(r float64, burst int) Middleware {
	return NewRateLimiter(r, burst).Middleware()
}
