package channel

import (
	"errors"

	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("channel: rate limit exceeded")

// RateLimitMiddleware caps the packet rate of an output with a token bucket.
// Packets over the limit are rejected rather than queued: slow links such
// as a 115200 baud UART would otherwise build an unbounded backlog.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next OutputFunc) OutputFunc {
		return func(data []byte) error {
			if !limiter.Allow() {
				return ErrRateLimited
			}
			return next(data)
		}
	}
}
