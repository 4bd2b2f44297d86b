// Package logger provides leveled structured logging.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string to a Level, defaulting to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger is a printf-style front end over slog, optionally scoped to a component.
type Logger struct {
	level Level
	slog  *slog.Logger
}

var defaultLogger *Logger

// Init initializes the default logger with the specified level and format ("json" or "text").
func Init(level string, format string) {
	defaultLogger = New(os.Stderr, level, format)
}

// New builds a standalone logger writing to w.
func New(w io.Writer, level string, format string) *Logger {
	l := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: l.slogLevel(), AddSource: strings.ToLower(format) == "text"}

	var h slog.Handler
	if strings.ToLower(format) == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return &Logger{level: l, slog: slog.New(h)}
}

// With returns a logger that tags every record with the given component.
// Before Init it returns a logger that discards everything.
func With(component string) *Logger {
	if defaultLogger == nil {
		return &Logger{}
	}
	return defaultLogger.With(component)
}

// With returns a copy of l scoped to component.
func (l *Logger) With(component string) *Logger {
	if l.slog == nil {
		return l
	}
	return &Logger{
		level: l.level,
		slog:  l.slog.With(slog.String("component", component)),
	}
}

// Slog exposes the underlying slog.Logger for libraries that accept one.
func (l *Logger) Slog() *slog.Logger {
	if l == nil || l.slog == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l.slog
}

func (l *Logger) output(level Level, format string, args ...interface{}) {
	if l == nil || l.slog == nil || level < l.level {
		return
	}
	sl := level.slogLevel()
	if !l.slog.Enabled(context.Background(), sl) {
		return
	}
	// skip runtime.Callers, output, and the exported wrapper
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), sl, fmt.Sprintf(format, args...), pcs[0])
	_ = l.slog.Handler().Handle(context.Background(), r)
}

func (l *Logger) Debug(format string, args ...interface{}) { l.output(DebugLevel, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.output(InfoLevel, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.output(WarnLevel, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.output(ErrorLevel, format, args...) }

func Debug(format string, args ...interface{}) {
	defaultLogger.output(DebugLevel, format, args...)
}

func Info(format string, args ...interface{}) {
	defaultLogger.output(InfoLevel, format, args...)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.output(WarnLevel, format, args...)
}

func Error(format string, args ...interface{}) {
	defaultLogger.output(ErrorLevel, format, args...)
}

func Fatal(format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.slog != nil {
		defaultLogger.output(ErrorLevel, "FATAL: "+format, args...)
	} else {
		fmt.Fprintf(os.Stderr, "[FATAL] "+format+"\n", args...)
	}
	os.Exit(1)
}
