package database

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver

	"tenant-vault/internal/errors"
	"tenant-vault/internal/logging"
)

// Service opens row store connections with retry logic
type Service struct {
	connectionTimeout time.Duration
	logger            *logging.Logger
	retryHandler      *errors.RetryHandler
}

// NewService creates a new database service with default settings
func NewService(logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Service{
		connectionTimeout: 30 * time.Second,
		logger:            logger,
		retryHandler:      errors.NewDefaultRetryHandler(),
	}
}

// NewServiceWithOptions creates a new database service with custom retry options
func NewServiceWithOptions(logger *logging.Logger, timeout time.Duration, maxRetries int, retryDelay time.Duration) *Service {
	s := NewService(logger)
	s.connectionTimeout = timeout
	s.retryHandler = errors.NewRetryHandler(errors.RetryConfig{
		MaxAttempts: maxRetries,
		BaseDelay:   retryDelay,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	})
	return s
}

// Connect opens the configured row store and verifies it answers
func (s *Service) Connect(ctx context.Context, config DatabaseConfig) (*DB, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.NewConfigurationError("invalid database configuration", err)
	}

	dialect, err := DialectFor(config.Driver)
	if err != nil {
		return nil, errors.NewConfigurationError("invalid database driver", err)
	}

	startTime := time.Now()
	s.logger.WithFields(map[string]interface{}{
		"driver": config.Driver,
		"target": config.Target(),
	}).Info("Attempting database connection")

	ctx, cancel := context.WithTimeout(ctx, s.connectionTimeout)
	defer cancel()

	var db *sql.DB
	err = s.retryHandler.Retry(ctx, func() error {
		var openErr error
		db, openErr = sql.Open(dialect.DriverName, config.DSN())
		if openErr != nil {
			return errors.WrapStoreError(openErr, "failed to open database connection")
		}

		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)

		if pingErr := db.PingContext(ctx); pingErr != nil {
			db.Close()
			return errors.WrapStoreError(pingErr, "failed to ping database")
		}
		return nil
	})

	s.logger.LogDatabaseConnection(config.Driver, config.Target(), err == nil, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}

	return NewDB(db, dialect, s.logger), nil
}
