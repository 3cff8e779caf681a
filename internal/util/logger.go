// Package util provides a structured logger for the application.
package util

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger provides structured key/value logging on top of zerolog.
type Logger struct {
	zl     zerolog.Logger
	level  zerolog.Level
	format string // "json" or "text"
}

// NewLogger creates a new logger writing to stdout.
func NewLogger(level, format string) *Logger {
	return newLogger(os.Stdout, parseLevel(level), format)
}

func newLogger(w io.Writer, level zerolog.Level, format string) *Logger {
	if format == "text" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "2006-01-02 15:04:05", NoColor: true}
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return &Logger{
		zl:     zerolog.New(w).Level(level).With().Timestamp().Logger(),
		level:  level,
		format: format,
	}
}

func parseLevel(s string) zerolog.Level {
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// SetOutput returns a copy of the logger writing to w.
func (l *Logger) SetOutput(w io.Writer) *Logger {
	return newLogger(w, l.level, l.format)
}

// With returns a new logger with an additional field.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{
		zl:     l.zl.With().Interface(key, value).Logger(),
		level:  l.level,
		format: l.format,
	}
}

// WithFields returns a new logger with multiple additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{
		zl:     l.zl.With().Fields(fields).Logger(),
		level:  l.level,
		format: l.format,
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(l.zl.Debug(), msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(l.zl.Info(), msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(l.zl.Warn(), msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(l.zl.Error(), msg, args...)
}

// log attaches key/value pairs to the event. Odd trailing args are dropped.
func (l *Logger) log(ev *zerolog.Event, msg string, args ...interface{}) {
	if ev == nil {
		return
	}
	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		switch v := args[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = NewLogger("info", "json")
)

// SetDefaultLogger sets the default logger.
func SetDefaultLogger(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// GetDefaultLogger returns the default logger.
func GetDefaultLogger() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Package-level convenience functions

func Debug(msg string, args ...interface{}) {
	GetDefaultLogger().Debug(msg, args...)
}

func Info(msg string, args ...interface{}) {
	GetDefaultLogger().Info(msg, args...)
}

func Warn(msg string, args ...interface{}) {
	GetDefaultLogger().Warn(msg, args...)
}

func Error(msg string, args ...interface{}) {
	GetDefaultLogger().Error(msg, args...)
}

// GenerateRequestID generates a unique request ID.
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}
