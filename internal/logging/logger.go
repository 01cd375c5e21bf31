package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// It intentionally stays interface-only so packages can depend on it without
// pulling in the concrete writer.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	defaultInstance *componentLogger
	defaultOnce     sync.Once
)

// componentLogger writes timestamped lines to stdout and, when available,
// to atelier-debug.log in the user's home directory.
type componentLogger struct {
	file      *os.File
	fileOut   *log.Logger
	level     Level
	component string
	mu        *sync.Mutex
}

func defaultLogger() *componentLogger {
	defaultOnce.Do(func() {
		l := &componentLogger{level: LevelDebug, mu: &sync.Mutex{}}
		home, err := os.UserHomeDir()
		if err == nil {
			path := filepath.Join(home, "atelier-debug.log")
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				l.file = f
				l.fileOut = log.New(f, "", 0)
			}
		}
		defaultInstance = l
	})
	return defaultInstance
}

// NewComponentLogger returns the process-wide logger scoped to a component.
func NewComponentLogger(component string) Logger {
	base := defaultLogger()
	return &componentLogger{
		file:      base.file,
		fileOut:   base.fileOut,
		level:     base.level,
		component: component,
		mu:        base.mu,
	}
}

// SetDefaultLevel sets the minimum level for the shared logger.
func SetDefaultLevel(level Level) {
	l := defaultLogger()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *componentLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "atelier"
	}

	// Format: 2026-01-02 15:04:05 [INFO] [Component] file.go:123 - Message
	line2 := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		levelString(level), component, file, line,
		fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileOut != nil {
		l.fileOut.Print(line2)
	}
	fmt.Print(line2)
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func levelString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
