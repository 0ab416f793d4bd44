package buzzworker

import (
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"buzzworker/internal/logger"
)

// Reporter receives failures that are recovered locally but should still be
// seen by someone.
type Reporter interface {
	ReportAssetFailure(path string, err error)
}

type logReporter struct {
	log *zap.SugaredLogger
}

func (r logReporter) ReportAssetFailure(path string, err error) {
	r.log.Errorw("asset fetch failure", logger.FieldPath, path, logger.FieldError, err)
}

// SentryReporter forwards failures to Sentry. InitSentry must have run.
type SentryReporter struct {
	Version string
}

func (r SentryReporter) ReportAssetFailure(path string, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag(logger.FieldComponent, "precache")
		scope.SetTag("worker_version", r.Version)
		scope.SetExtra(logger.FieldPath, path)
		sentry.CaptureException(err)
	})
}

// InitSentry configures the global Sentry hub. The returned func flushes
// pending events and should be deferred.
func InitSentry(dsn, environment, release string) (func(), error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return func() {}, err
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}
