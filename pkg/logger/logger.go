// Package logger holds the process-wide slog logger. Command output goes to
// stdout, so log lines go to stderr and optionally to a file.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	Logger       *slog.Logger
	currentLevel = INFO

	mu      sync.Mutex
	logFile *os.File
)

func init() {
	Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
}

type Options struct {
	Level string
	// Format is "text" (default) or "json".
	Format string
	File   string
}

// Configure rebuilds Logger and closes any file opened by an earlier call.
// A bad level, format or file still leaves a usable stderr logger; the
// problems come back joined.
func Configure(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	var errs []error
	level := currentLevel
	if strings.TrimSpace(opts.Level) != "" {
		parsed, err := ParseLogLevel(opts.Level)
		if err != nil {
			errs = append(errs, err)
		} else {
			level = parsed
		}
	}

	closeFileLocked()
	writer := io.Writer(os.Stderr)
	if path := strings.TrimSpace(opts.File); path != "" {
		file, err := openLogFile(path)
		if err != nil {
			errs = append(errs, err)
		} else {
			logFile = file
			writer = io.MultiWriter(os.Stderr, file)
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: slogLevel(level)}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		handler = slog.NewTextHandler(writer, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(writer, handlerOpts)
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", opts.Format))
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	currentLevel = level
	Logger = slog.New(handler)
	return errors.Join(errs...)
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// Close releases the log file, if any. Logging keeps going to stderr.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel(currentLevel)}))
	return closeFileLocked()
}

func closeFileLocked() error {
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

func SetLogLevel(level LogLevel) {
	currentLevel = level
}

func Enabled(level LogLevel) bool {
	return currentLevel <= level
}

func ParseLogLevel(value string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("invalid log level %q", value)
}

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	}
	return slog.LevelInfo
}

func Debug(msg string, args ...any) { log(DEBUG, msg, args) }
func Info(msg string, args ...any)  { log(INFO, msg, args) }
func Warn(msg string, args ...any)  { log(WARN, msg, args) }
func Error(msg string, args ...any) { log(ERROR, msg, args) }

func log(level LogLevel, msg string, args []any) {
	if Enabled(level) {
		Logger.Log(context.Background(), slogLevel(level), msg, args...)
	}
}
