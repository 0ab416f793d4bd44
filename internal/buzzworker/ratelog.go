package buzzworker

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// rateLimitedLogger emits at most one line per interval; the rest are dropped.
type rateLimitedLogger struct {
	log       *zap.SugaredLogger
	sometimes rate.Sometimes
}

func newRateLimitedLogger(log *zap.SugaredLogger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, sometimes: rate.Sometimes{Interval: interval}}
}

func (l *rateLimitedLogger) Warnf(format string, args ...any) {
	l.sometimes.Do(func() {
		l.log.Warnf(format, args...)
	})
}
