package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// ErrorType represents the category of an engine error
type ErrorType string

const (
	// ErrorTypeValidation covers invalid tenant ids, unknown restore types and
	// unknown or mismatched backups and restore points. Never mutates state.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeStore represents a row store or payload store failure
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeConcurrency is returned when a tenant or the scheduler is already mid-operation
	ErrorTypeConcurrency ErrorType = "concurrency"
	// ErrorTypeTenantIsolation represents an attempt to read or write another tenant's rows
	ErrorTypeTenantIsolation ErrorType = "tenant_isolation_violation"
	// ErrorTypeConfiguration represents invalid configuration
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInterruption represents user interruption
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable returns whether the error is recoverable
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: false,
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: true,
	}
}

// NewValidationError creates a validation error
func NewValidationError(format string, args ...interface{}) *AppError {
	return NewAppError(ErrorTypeValidation, fmt.Sprintf(format, args...), nil)
}

// NewStoreError creates a store error. Store errors are retried on the next
// scheduled attempt, never in place.
func NewStoreError(message string, cause error) *AppError {
	return NewRecoverableError(ErrorTypeStore, message, cause)
}

// NewConcurrencyError creates a concurrency error for a busy tenant or scheduler
func NewConcurrencyError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeConcurrency, message, cause)
}

// NewTenantIsolationError creates a tenant isolation violation
func NewTenantIsolationError(format string, args ...interface{}) *AppError {
	return NewAppError(ErrorTypeTenantIsolation, fmt.Sprintf(format, args...), nil)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeConfiguration, message, cause)
}

// ErrorClassifier provides methods to classify driver and runtime errors
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if ctxErr := ec.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}

	if dbErr := ec.classifyDriverError(err); dbErr != nil {
		return dbErr
	}

	if netErr := ec.classifyNetworkError(err); netErr != nil {
		return netErr
	}

	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifyDriverError classifies MySQL, PostgreSQL and SQLite driver errors
func (ec *ErrorClassifier) classifyDriverError(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1045:
			return NewAppError(ErrorTypeStore,
				"Database access denied - check username and password", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1062:
			return NewAppError(ErrorTypeStore,
				"Duplicate entry - primary key already taken", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1205, 1213:
			return NewRecoverableError(ErrorTypeStore,
				"Lock wait timeout or deadlock in row store", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1451, 1452:
			return NewAppError(ErrorTypeStore,
				"Foreign key constraint failed", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 2003, 2006, 2013:
			return NewRecoverableError(ErrorTypeStore,
				"MySQL server connection lost or unreachable", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		default:
			return NewAppError(ErrorTypeStore,
				fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err).
				WithContext("mysql_error_code", mysqlErr.Number)
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53":
			return NewRecoverableError(ErrorTypeStore,
				fmt.Sprintf("PostgreSQL transient error: %s", pqErr.Message), err).
				WithContext("pq_error_code", string(pqErr.Code))
		default:
			return NewAppError(ErrorTypeStore,
				fmt.Sprintf("PostgreSQL error: %s", pqErr.Message), err).
				WithContext("pq_error_code", string(pqErr.Code))
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return NewRecoverableError(ErrorTypeStore,
				"SQLite database is busy", err).
				WithContext("sqlite_error_code", int(liteErr.Code))
		default:
			return NewAppError(ErrorTypeStore,
				fmt.Sprintf("SQLite error: %s", liteErr.Error()), err).
				WithContext("sqlite_error_code", int(liteErr.Code))
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return NewAppError(ErrorTypeValidation, "No rows found", err)
	}
	if errors.Is(err, sql.ErrTxDone) {
		return NewAppError(ErrorTypeStore, "Transaction has already been committed or rolled back", err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return NewRecoverableError(ErrorTypeStore, "Database connection is closed", err)
	}

	return nil
}

// classifyNetworkError classifies network-related errors
func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout, "Network operation timed out", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return NewRecoverableError(ErrorTypeStore,
				"Failed to establish network connection", err)
		case "read", "write":
			return NewRecoverableError(ErrorTypeStore,
				"Network I/O error", err)
		}
	}

	return nil
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRecoverableError(ErrorTypeTimeout, "Operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption, "Operation was canceled", err)
	}
	return nil
}

// classifyFileSystemError classifies payload storage file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch pathErr.Err {
		case syscall.ENOENT:
			return NewAppError(ErrorTypeStore,
				fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
		case syscall.EACCES:
			return NewAppError(ErrorTypeStore,
				fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
		case syscall.ENOSPC:
			return NewAppError(ErrorTypeStore, "No space left on device", err)
		}
	}
	return nil
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryHandler provides retry functionality for operations
type RetryHandler struct {
	config     RetryConfig
	classifier *ErrorClassifier
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(config RetryConfig) *RetryHandler {
	return &RetryHandler{
		config:     config,
		classifier: NewErrorClassifier(),
	}
}

// NewDefaultRetryHandler creates a retry handler with default configuration
func NewDefaultRetryHandler() *RetryHandler {
	return NewRetryHandler(DefaultRetryConfig())
}

// Retry executes a function with retry logic for recoverable errors
func (rh *RetryHandler) Retry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= rh.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeInterruption, "Operation canceled", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		appErr := rh.classifier.ClassifyError(err)
		if !appErr.IsRecoverable() {
			return appErr
		}

		if attempt == rh.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeInterruption, "Operation canceled during retry", ctx.Err())
		case <-time.After(rh.calculateDelay(attempt)):
		}
	}

	return rh.classifier.ClassifyError(lastErr).
		WithContext("attempts", rh.config.MaxAttempts)
}

// calculateDelay calculates the delay for a given attempt using exponential backoff
func (rh *RetryHandler) calculateDelay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= rh.config.Multiplier
	}

	delay := time.Duration(float64(rh.config.BaseDelay) * multiplier)
	if delay > rh.config.MaxDelay {
		delay = rh.config.MaxDelay
	}
	return delay
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsRecoverable()
	}
	return false
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// Is reports whether err carries the given error type
func Is(err error, errorType ErrorType) bool {
	return err != nil && GetErrorType(err) == errorType
}

// FormatUserError formats an error for display to users. Errors that are not
// engine errors, such as flag parsing failures, are shown as they are.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.GetUserMessage()
	}
	return err.Error()
}

// WrapStoreError classifies a driver error and wraps it as a store error
// unless it already carries a more specific engine type.
func WrapStoreError(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case ErrorTypeValidation, ErrorTypeConcurrency, ErrorTypeTenantIsolation:
			return err
		}
	}

	classified := NewErrorClassifier().ClassifyError(err)
	errorType := ErrorTypeStore
	if classified.Type == ErrorTypeTimeout || classified.Type == ErrorTypeInterruption {
		errorType = classified.Type
	}

	wrapped := &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       err,
		Context:     classified.Context,
		Recoverable: true,
	}
	if wrapped.Context == nil {
		wrapped.Context = make(map[string]interface{})
	}
	return wrapped
}

// KindOf returns the error type carried anywhere in err's chain
func KindOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	return GetErrorType(err)
}
