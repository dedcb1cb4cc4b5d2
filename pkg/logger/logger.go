package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps the process-wide logrus logger
type Logger struct {
	*logrus.Logger
}

// LogLevel represents log levels
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// LogFormat represents log output formats
type LogFormat string

const (
	JSONFormat LogFormat = "json"
	TextFormat LogFormat = "text"
)

// Config represents logger configuration
type Config struct {
	Level  LogLevel
	Format LogFormat
	Output string // file path or "stdout"
	Caller bool
}

var (
	instance *Logger
	once     sync.Once
)

// Init initializes the global logger from LOG_LEVEL, LOG_FORMAT and LOG_OUTPUT
func Init() {
	once.Do(func() {
		instance = NewLogger(configFromEnv())
	})
}

// NewLogger creates a new logger instance
func NewLogger(config Config) *Logger {
	l := &Logger{Logger: logrus.New()}
	l.SetLevel(getLogrusLevel(config.Level))

	if config.Format == JSONFormat {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "caller",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
			},
		})
	}

	l.SetOutput(openOutput(config.Output))
	l.SetReportCaller(config.Caller)
	return l
}

func openOutput(path string) io.Writer {
	switch path {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "logger: create log directory: %v\n", err)
		return os.Stdout
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: open %s: %v\n", path, err)
		return os.Stdout
	}
	return file
}

func configFromEnv() Config {
	config := Config{
		Level:  InfoLevel,
		Format: JSONFormat,
		Output: "stdout",
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = LogLevel(strings.ToLower(level))
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = LogFormat(strings.ToLower(format))
	}
	if output := os.Getenv("LOG_OUTPUT"); output != "" {
		config.Output = output
	}
	config.Caller = config.Level == DebugLevel
	return config
}

func getLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case DebugLevel:
		return logrus.DebugLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Get returns the global logger, falling back to the logrus standard logger
// when Init has not run (tests, tooling).
func Get() *logrus.Logger {
	if instance != nil {
		return instance.Logger
	}
	return logrus.StandardLogger()
}

// SetLevel changes the logger level at runtime
func SetLevel(level LogLevel) {
	Get().SetLevel(getLogrusLevel(level))
}

// Global logger functions

func Debugf(format string, args ...interface{}) { Get().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { Get().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { Get().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { Get().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { Get().Fatalf(format, args...) }

func Info(args ...interface{}) { Get().Info(args...) }

// WithField creates a logger with a field
func WithField(key string, value interface{}) *logrus.Entry {
	return Get().WithField(key, value)
}

// WithFields creates a logger with multiple fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Get().WithFields(fields)
}

// WithError creates a logger with an error field
func WithError(err error) *logrus.Entry {
	return Get().WithError(err)
}

// Context-aware logging functions

// LogRequest logs HTTP request information
func LogRequest(method, path, ip, userAgent string, duration time.Duration, statusCode int) {
	WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"ip":          ip,
		"user_agent":  userAgent,
		"duration_ms": duration.Milliseconds(),
		"status_code": statusCode,
		"type":        "request",
	}).Info("HTTP Request")
}

// LogSessionEvent logs connection lifecycle and matchmaking events for a session
func LogSessionEvent(sessionID, event string, metadata map[string]interface{}) {
	fields := logrus.Fields{
		"session_id": sessionID,
		"event":      event,
		"type":       "session_event",
	}
	for k, v := range metadata {
		fields[k] = v
	}
	WithFields(fields).Info("Session Event")
}

// LogRoomEvent logs room registry changes
func LogRoomEvent(event, roomID, sessionID string, metadata map[string]interface{}) {
	fields := logrus.Fields{
		"event":      event,
		"room_id":    roomID,
		"session_id": sessionID,
		"type":       "room_event",
	}
	for k, v := range metadata {
		fields[k] = v
	}
	WithFields(fields).Info("Room Event")
}

// LogSignal logs relayed signaling traffic at debug level; payloads are never logged
func LogSignal(event, roomID, from, to string) {
	WithFields(logrus.Fields{
		"event":   event,
		"room_id": roomID,
		"from":    from,
		"to":      to,
		"type":    "signal",
	}).Debug("Signal Relayed")
}

// LogSecurityEvent logs rejected credentials and rate limit hits
func LogSecurityEvent(event, sessionID, ip string, metadata map[string]interface{}) {
	fields := logrus.Fields{
		"event":      event,
		"session_id": sessionID,
		"ip":         ip,
		"type":       "security_event",
	}
	for k, v := range metadata {
		fields[k] = v
	}
	WithFields(fields).Warn("Security Event")
}

// LogError logs detailed error information
func LogError(err error, context string, metadata map[string]interface{}) {
	fields := logrus.Fields{
		"error":   err.Error(),
		"context": context,
		"type":    "error_detail",
	}
	for k, v := range metadata {
		fields[k] = v
	}
	WithFields(fields).Error("Application Error")
}

// LogPerformance logs slow operations as warnings and the rest at debug level
func LogPerformance(operation string, duration time.Duration, metadata map[string]interface{}) {
	fields := logrus.Fields{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
		"type":        "performance",
	}
	for k, v := range metadata {
		fields[k] = v
	}
	if duration > time.Second {
		WithFields(fields).Warn("Slow Operation")
	} else {
		WithFields(fields).Debug("Performance Metric")
	}
}
