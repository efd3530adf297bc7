package channel

import (
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
)

// RetryMiddleware retries writes that failed with a temporary network
// error (a write deadline on a congested socket), backing off
// exponentially. Other errors are returned immediately.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next OutputFunc) OutputFunc {
		return func(data []byte) error {
			err := next(data)
			for i := 0; i < maxRetries && err != nil; i++ {
				if !retryable(err) {
					return err
				}
				logger.Debug("retrying channel output",
					zap.Int("attempt", i+1),
					zap.Error(err))
				time.Sleep(baseDelay * time.Duration(1<<i))
				err = next(data)
			}
			return err
		}
	}
}

func retryable(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
