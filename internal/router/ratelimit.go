package router

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"crypto-payment-service/internal/handler"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Counter increments a fixed-window counter and reports the window's
// remaining lifetime.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type RedisCounter struct {
	rdb *redis.Client
}

func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return incr.Val(), ttl.Val(), nil
}

// RateLimiter caps requests per client IP in fixed windows. Counter errors
// let the request through.
type RateLimiter struct {
	counter Counter
	limit   int64
	window  time.Duration
	prefix  string
	logger  *zap.Logger
}

func NewRateLimiter(counter Counter, limit int, window time.Duration, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		limit:   int64(limit),
		window:  window,
		prefix:  "ratelimit:",
		logger:  logger,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.prefix + clientIP(r)
		n, ttl, err := l.counter.Incr(r.Context(), key, l.window)
		if err != nil {
			l.logger.Warn("rate limiter unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if n > l.limit {
			if ttl <= 0 {
				ttl = l.window
			}
			w.Header().Set("Retry-After", strconv.Itoa(int((ttl+time.Second-1)/time.Second)))
			handler.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
