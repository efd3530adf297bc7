package channel

import (
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next OutputFunc) OutputFunc {
		return func(data []byte) error {
			start := time.Now()
			err := next(data)
			if err != nil {
				logger.Warn("channel output failed",
					zap.Int("bytes", len(data)),
					zap.Duration("duration", time.Since(start)),
					zap.Error(err))
				return err
			}
			logger.Debug("channel output",
				zap.Int("bytes", len(data)),
				zap.Duration("duration", time.Since(start)))
			return nil
		}
	}
}
