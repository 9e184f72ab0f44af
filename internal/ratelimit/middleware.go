package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// the limit.
type KeyFunc func(r *http.Request) string

// RejectFunc writes the response for a throttled request.
type RejectFunc func(w http.ResponseWriter, r *http.Request)

// retryAfterer is implemented by limiters that know their refill period.
type retryAfterer interface {
	RetryAfter() time.Duration
}

// Middleware enforces limiter on every request, keyed by prefix and keyFunc.
// Limiter errors are logged and the request is let through.
func Middleware(limiter Limiter, prefix string, keyFunc KeyFunc, reject RejectFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	retryAfter := "1"
	if ra, ok := limiter.(retryAfterer); ok {
		retryAfter = strconv.Itoa(int(math.Ceil(ra.RetryAfter().Seconds())))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := limiter.Allow(r.Context(), prefix+":"+key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "prefix", prefix, "error", err)
				ok = true
			}
			if !ok {
				w.Header().Set("Retry-After", retryAfter)
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
