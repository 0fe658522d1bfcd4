package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/smith3v/flashsync/pkg/logger"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	defaultSlowThreshold = 200 * time.Millisecond
	defaultGormLogLevel  = gormlogger.Warn
)

// queryLogger routes gorm's statement log into the application slog logger.
type queryLogger struct {
	slowThreshold             time.Duration
	ignoreRecordNotFoundError bool
	logLevel                  gormlogger.LogLevel
}

func newQueryLogger(levelValue string) (gormlogger.Interface, error) {
	level := defaultGormLogLevel
	var levelErr error
	if strings.TrimSpace(levelValue) != "" {
		level, levelErr = parseGormLogLevel(levelValue)
	}
	return &queryLogger{
		slowThreshold:             defaultSlowThreshold,
		ignoreRecordNotFoundError: true,
		logLevel:                  level,
	}, levelErr
}

func (l *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.logLevel = level
	return &clone
}

func (l *queryLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.log(ctx, gormlogger.Info, slog.LevelInfo, msg, data...)
}

func (l *queryLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.log(ctx, gormlogger.Warn, slog.LevelWarn, msg, data...)
}

func (l *queryLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.log(ctx, gormlogger.Error, slog.LevelError, msg, data...)
}

func (l *queryLogger) log(ctx context.Context, level gormlogger.LogLevel, slogLevel slog.Level, msg string, data ...interface{}) {
	if !l.enabled(level) {
		return
	}
	logger.Logger.Log(ctx, slogLevel, fmt.Sprintf(msg, data...), "component", "gorm")
}

func (l *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.logLevel == gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil:
		if l.ignoreRecordNotFoundError && errors.Is(err, gorm.ErrRecordNotFound) {
			return
		}
		if l.enabled(gormlogger.Error) {
			logger.Logger.Log(ctx, slog.LevelError, "gorm query error",
				"elapsed", elapsed,
				"rows", rows,
				"sql", sql,
				"error", err,
			)
		}
	case l.slowThreshold > 0 && elapsed > l.slowThreshold:
		if l.enabled(gormlogger.Warn) {
			logger.Logger.Log(ctx, slog.LevelWarn, "gorm slow query",
				"elapsed", elapsed,
				"rows", rows,
				"sql", sql,
				"threshold", l.slowThreshold,
			)
		}
	default:
		if l.enabled(gormlogger.Info) {
			logger.Logger.Log(ctx, slog.LevelDebug, "gorm query",
				"elapsed", elapsed,
				"rows", rows,
				"sql", sql,
			)
		}
	}
}

// enabled requires both the gorm level and the application level to allow the
// record. Individual statements are debug output for the application.
func (l *queryLogger) enabled(level gormlogger.LogLevel) bool {
	if l.logLevel == gormlogger.Silent || l.logLevel < level {
		return false
	}
	switch level {
	case gormlogger.Info:
		return logger.Enabled(logger.DEBUG)
	case gormlogger.Warn:
		return logger.Enabled(logger.WARN)
	case gormlogger.Error:
		return logger.Enabled(logger.ERROR)
	default:
		return false
	}
}

func parseGormLogLevel(value string) (gormlogger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "silent":
		return gormlogger.Silent, nil
	case "error":
		return gormlogger.Error, nil
	case "warn":
		return gormlogger.Warn, nil
	case "info":
		return gormlogger.Info, nil
	default:
		return defaultGormLogLevel, fmt.Errorf("invalid gorm log level %q", value)
	}
}
