// Package logger holds the process-wide zap logger.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names used across buzzworker log lines.
const (
	FieldComponent  = "component"
	FieldPartition  = "partition"
	FieldKey        = "key"
	FieldOutcome    = "outcome"
	FieldStatus     = "status"
	FieldState      = "state"
	FieldPath       = "path"
	FieldRevision   = "revision"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldJobID      = "job_id"
	FieldUserID     = "user_id"
	FieldClientID   = "client_id"
	FieldURL        = "url"
	FieldVersion    = "version"
	FieldAddress    = "address"
	FieldTopic      = "topic"
	FieldEvent      = "event"
	FieldType       = "type"
	FieldTitle      = "title"

	FieldActiveVersion  = "active_version"
	FieldNotificationID = "notification_id"
)

// Logger is the global logger. It discards everything until Initialize runs.
var Logger *zap.SugaredLogger

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize replaces the global logger. jsonOutput selects the production
// JSON encoder; otherwise a console encoder writes to stdout.
func Initialize(jsonOutput bool, level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}

	var zl *zap.Logger
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		zl, err = cfg.Build()
		if err != nil {
			return err
		}
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
		zl = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.AddSync(os.Stdout),
			lvl,
		))
	}

	Logger = zl.Sugar()
	return nil
}

// Named returns a child of the global logger tagged with a component name.
func Named(component string) *zap.SugaredLogger {
	return Logger.With(FieldComponent, component)
}

// Sync flushes buffered entries. Errors from syncing stdout are ignored.
func Sync() {
	_ = Logger.Sync()
}

func parseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return zap.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, err
	}
	return lvl, nil
}
