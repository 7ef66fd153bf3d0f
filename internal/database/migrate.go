package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"tenant-vault/internal/logging"
)

//go:embed migrations
var migrationFiles embed.FS

// migrationLogger adapts the application logger to migrate.Logger
type migrationLogger struct {
	logger *logging.Logger
}

func (l migrationLogger) Printf(format string, v ...interface{}) {
	l.logger.Debugf(format, v...)
}

func (l migrationLogger) Verbose() bool {
	return l.logger.IsLevelEnabled(logging.LogLevelVerbose)
}

// Migrator applies the engine's own tables (backups and restore points)
type Migrator struct {
	db     *DB
	logger *logging.Logger
}

// NewMigrator creates a migrator for the given row store
func NewMigrator(db *DB) *Migrator {
	return &Migrator{db: db, logger: db.Logger()}
}

func (m *Migrator) instance() (*migrate.Migrate, error) {
	dialect := m.db.Dialect()

	source, err := iofs.New(migrationFiles, "migrations/"+dialect.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations for %s: %w", dialect.Name, err)
	}

	var driver migratedb.Driver
	switch dialect.Name {
	case DialectMySQL:
		driver, err = migratemysql.WithInstance(m.db.DB.DB, &migratemysql.Config{})
	case DialectPostgres:
		driver, err = migratepostgres.WithInstance(m.db.DB.DB, &migratepostgres.Config{})
	case DialectSQLite:
		driver, err = migratesqlite.WithInstance(m.db.DB.DB, &migratesqlite.Config{})
	default:
		err = fmt.Errorf("no migration driver for %s", dialect.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	instance, err := migrate.NewWithInstance("iofs", source, dialect.Name, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	instance.Log = migrationLogger{logger: m.logger}
	return instance, nil
}

// Up applies all pending migrations
func (m *Migrator) Up() error {
	instance, err := m.instance()
	if err != nil {
		return err
	}

	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, _, _ := instance.Version()
	m.logger.WithField("version", version).Info("Engine schema is up to date")
	return nil
}

// Down rolls back the given number of migrations
func (m *Migrator) Down(steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}

	instance, err := m.instance()
	if err != nil {
		return err
	}

	if err := instance.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	return nil
}

// Version returns the applied schema version and whether it is dirty
func (m *Migrator) Version() (uint, bool, error) {
	instance, err := m.instance()
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := instance.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
