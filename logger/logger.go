// logger/logger.go
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// Fields is an alias so callers don't need to import logrus for WithFields.
type Fields = logrus.Fields

var (
	std  *logrus.Logger
	file *os.File
	once sync.Once
	mu   sync.Mutex
)

// ensureInitialized creates a default console logger if one doesn't exist
func ensureInitialized() {
	once.Do(func() {
		std = logrus.New()
		std.SetOutput(os.Stdout)
		std.SetLevel(logrus.DebugLevel)
		std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
}

// Init initializes the logger with optional file and console output
// If filename is empty, logs only to console
// If console is false, logs only to file
func Init(filename string, console bool) error {
	ensureInitialized()
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		file.Close()
		file = nil
	}

	var writers []io.Writer
	if filename != "" {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		writers = append(writers, f)
	}
	if console {
		writers = append(writers, os.Stdout)
	}
	if len(writers) == 0 {
		return fmt.Errorf("no output destination specified")
	}

	std.SetOutput(io.MultiWriter(writers...))
	// colors only make sense when nothing but a terminal is attached
	std.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: file != nil,
	})
	return nil
}

// SetLevel sets the minimum log level (DEBUG, INFO, WARN, ERROR)
// Messages below this level will not be logged
func SetLevel(level LogLevel) {
	ensureInitialized()
	switch level {
	case DEBUG:
		std.SetLevel(logrus.DebugLevel)
	case INFO:
		std.SetLevel(logrus.InfoLevel)
	case WARN:
		std.SetLevel(logrus.WarnLevel)
	default:
		std.SetLevel(logrus.ErrorLevel)
	}
}

// ParseLevel maps a config string such as "info" onto a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

// Close closes the log file if one is open
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		std.SetOutput(os.Stdout)
		file.Close()
		file = nil
	}
}

// WithFields returns an entry carrying structured fields, e.g. a job id.
func WithFields(fields Fields) *logrus.Entry {
	ensureInitialized()
	return std.WithFields(fields)
}

// Debug logs a debug message
func Debug(v ...interface{}) {
	ensureInitialized()
	std.Debug(v...)
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...interface{}) {
	ensureInitialized()
	std.Debugf(format, v...)
}

// Info logs an info message
func Info(v ...interface{}) {
	ensureInitialized()
	std.Info(v...)
}

// Infof logs a formatted info message
func Infof(format string, v ...interface{}) {
	ensureInitialized()
	std.Infof(format, v...)
}

// Warn logs a warning message
func Warn(v ...interface{}) {
	ensureInitialized()
	std.Warn(v...)
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...interface{}) {
	ensureInitialized()
	std.Warnf(format, v...)
}

// Error logs an error message
func Error(v ...interface{}) {
	ensureInitialized()
	std.Error(v...)
}

// Errorf logs a formatted error message
func Errorf(format string, v ...interface{}) {
	ensureInitialized()
	std.Errorf(format, v...)
}

// Fatal logs an error message and exits the program
func Fatal(v ...interface{}) {
	ensureInitialized()
	std.Error(v...)
	os.Exit(1)
}

// Fatalf logs a formatted error message and exits the program
func Fatalf(format string, v ...interface{}) {
	ensureInitialized()
	std.Errorf(format, v...)
	os.Exit(1)
}
