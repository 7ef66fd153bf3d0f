package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel string

const (
	// LogLevelQuiet suppresses all output except critical errors
	LogLevelQuiet LogLevel = "quiet"
	// LogLevelNormal shows standard operational messages
	LogLevelNormal LogLevel = "normal"
	// LogLevelVerbose shows detailed operational information
	LogLevelVerbose LogLevel = "verbose"
	// LogLevelDebug shows all debug information
	LogLevelDebug LogLevel = "debug"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Logger provides structured logging capabilities
type Logger struct {
	logger *logrus.Logger
	level  LogLevel
}

// Config holds logger configuration
type Config struct {
	Level      LogLevel
	Output     io.Writer
	Format     string // "text" or "json"
	ShowCaller bool
	LogFile    string
}

// NewLogger creates a new logger with the specified configuration
func NewLogger(config Config) (*Logger, error) {
	logger := logrus.New()

	if config.Output != nil {
		logger.SetOutput(config.Output)
	} else {
		logger.SetOutput(os.Stdout)
	}

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	logger.SetLevel(toLogrusLevel(config.Level))

	if config.ShowCaller {
		logger.SetReportCaller(true)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				filename := filepath.Base(f.File)
				return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
			},
		})
	}

	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.LogFile, err)
		}

		if config.Output == nil {
			logger.SetOutput(io.MultiWriter(os.Stdout, file))
		} else {
			logger.SetOutput(io.MultiWriter(config.Output, file))
		}
	}

	return &Logger{
		logger: logger,
		level:  config.Level,
	}, nil
}

// NewDefaultLogger creates a logger with default configuration
func NewDefaultLogger() *Logger {
	logger, _ := NewLogger(Config{
		Level:  LogLevelNormal,
		Output: os.Stdout,
		Format: "text",
	})
	return logger
}

// NewNopLogger creates a logger that discards everything
func NewNopLogger() *Logger {
	logger, _ := NewLogger(Config{Level: LogLevelQuiet, Output: io.Discard})
	return logger
}

func toLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case LogLevelQuiet:
		return logrus.ErrorLevel
	case LogLevelVerbose:
		return logrus.DebugLevel
	case LogLevelDebug:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// WithContext returns a logger with context fields
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.logger.WithContext(ctx)
	if requestID := GetRequestIDFromContext(ctx); requestID != "" {
		entry = entry.WithField("request_id", requestID)
	}
	return entry
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.logger.WithFields(fields)
}

// WithField returns a logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.logger.WithField(key, value)
}

// Output returns the writer log lines go to
func (l *Logger) Output() io.Writer {
	return l.logger.Out
}

// WithTenant returns an entry scoped to one tenant
func (l *Logger) WithTenant(tenantID int64) *logrus.Entry {
	return l.logger.WithField("tenant_id", tenantID)
}

// LogDatabaseConnection logs row store connection attempts
func (l *Logger) LogDatabaseConnection(driver string, target string, success bool, duration time.Duration, err error) {
	fields := logrus.Fields{
		"operation": "database_connection",
		"driver":    driver,
		"target":    target,
		"duration":  duration.String(),
		"success":   success,
	}

	if success {
		l.logger.WithFields(fields).Info("Database connection established")
		return
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.logger.WithFields(fields).Error("Database connection failed")
}

// LogSQLExecution logs SQL statement execution
func (l *Logger) LogSQLExecution(sql string, duration time.Duration, rowsAffected int64, err error) {
	fields := logrus.Fields{
		"operation":     "sql_execution",
		"duration":      duration.String(),
		"rows_affected": rowsAffected,
	}

	if short, cut := truncateRunes(SanitizeSQL(sql), 200); cut {
		fields["sql"] = short + "..."
		fields["sql_length"] = len(sql)
	} else {
		fields["sql"] = short
	}

	if err != nil {
		fields["error"] = err.Error()
		l.logger.WithFields(fields).Error("SQL execution failed")
		return
	}
	if l.level == LogLevelVerbose || l.level == LogLevelDebug {
		l.logger.WithFields(fields).Debug("SQL executed successfully")
	}
}

// LogTableProcessed logs one table finishing a capture, restore or delete phase
func (l *Logger) LogTableProcessed(operation string, tenantID int64, table string, rows int64, duration time.Duration) {
	l.logger.WithFields(logrus.Fields{
		"operation": operation,
		"tenant_id": tenantID,
		"table":     table,
		"rows":      rows,
		"duration":  duration.String(),
	}).Debug("Table processed")
}

// LogSecurityEvent logs a tenant isolation violation or another security-relevant event
func (l *Logger) LogSecurityEvent(event string, tenantID int64, fields map[string]interface{}) {
	logFields := logrus.Fields{
		"security":  true,
		"event":     event,
		"tenant_id": tenantID,
	}
	for k, v := range fields {
		logFields[k] = v
	}
	l.logger.WithFields(logFields).Warn("Security event")
}

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.logger.Info(msg)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.logger.Debug(msg)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.logger.Warn(msg)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string) {
	l.logger.Error(msg)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) {
	l.logger.Fatal(msg)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf(format, args...)
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
	l.logger.SetLevel(toLogrusLevel(level))
}

// IsLevelEnabled checks if a log level is enabled
func (l *Logger) IsLevelEnabled(level LogLevel) bool {
	switch level {
	case LogLevelQuiet, LogLevelNormal, LogLevelVerbose, LogLevelDebug:
		return l.logger.IsLevelEnabled(toLogrusLevel(level))
	default:
		return false
	}
}

// LogOperationStart logs the start of an operation and returns a function to log completion
func (l *Logger) LogOperationStart(operation string, fields map[string]interface{}) func(error) {
	startTime := time.Now()

	logFields := logrus.Fields{
		"operation": operation,
		"status":    "started",
	}
	for k, v := range fields {
		logFields[k] = v
	}

	l.logger.WithFields(logFields).Debug("Operation started")

	return func(err error) {
		logFields["status"] = "completed"
		logFields["duration"] = time.Since(startTime).String()

		if err != nil {
			logFields["error"] = err.Error()
			logFields["success"] = false
			l.logger.WithFields(logFields).Error("Operation failed")
			return
		}
		logFields["success"] = true
		l.logger.WithFields(logFields).Info("Operation completed")
	}
}

// CreateContextWithRequestID creates a context with a request ID for tracing
func CreateContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestIDFromContext extracts request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

var secretPattern = regexp.MustCompile(`(?i)(password|secret|passphrase)=('[^']*'|"[^"]*"|[^\s&]*)`)

// SanitizeSQL masks credentials in statements and DSNs before they are logged
func SanitizeSQL(sql string) string {
	sql = secretPattern.ReplaceAllString(sql, "${1}=***")

	if short, cut := truncateRunes(sql, 500); cut {
		return short + "... [truncated]"
	}
	return sql
}

// truncateRunes cuts s after limit runes
func truncateRunes(s string, limit int) (string, bool) {
	n := 0
	for i := range s {
		if n == limit {
			return s[:i], true
		}
		n++
	}
	return s, false
}
