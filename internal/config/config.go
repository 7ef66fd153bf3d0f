// Package config assembles the tenant-vault configuration from defaults, the
// YAML config file, a .env file and TENANT_VAULT_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"tenant-vault/internal/audit"
	"tenant-vault/internal/backup"
	"tenant-vault/internal/database"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/lock"
	"tenant-vault/internal/logging"
	"tenant-vault/internal/scheduler"
	"tenant-vault/internal/snapshot"
	"tenant-vault/internal/storage"
)

// Config is the complete tenant-vault configuration
type Config struct {
	Database     database.DatabaseConfig `mapstructure:"database" yaml:"database"`
	Storage      storage.Config          `mapstructure:"storage" yaml:"storage"`
	Snapshot     snapshot.CodecConfig    `mapstructure:"snapshot" yaml:"snapshot"`
	Scheduler    scheduler.Config        `mapstructure:"scheduler" yaml:"scheduler"`
	Lock         lock.Config             `mapstructure:"lock" yaml:"lock"`
	Audit        audit.Config            `mapstructure:"audit" yaml:"audit"`
	Server       ServerConfig            `mapstructure:"server" yaml:"server"`
	Retention    backup.RetentionPolicy  `mapstructure:"retention" yaml:"retention"`
	Confirmation ConfirmationConfig      `mapstructure:"confirmation" yaml:"confirmation"`
	Logging      LoggingConfig           `mapstructure:"logging" yaml:"logging"`
	Engine       EngineConfig            `mapstructure:"engine" yaml:"engine"`
}

// ServerConfig configures the internal HTTP endpoints
type ServerConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
	// SchedulerSecret authorizes POST /internal/backups/run. The endpoint
	// rejects every request while it is empty.
	SchedulerSecret string        `mapstructure:"scheduler_secret" yaml:"scheduler_secret"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ConfirmationConfig configures interactive confirmation of destructive commands
type ConfirmationConfig struct {
	// AdminPasswordHash is the bcrypt hash of the password that authorizes
	// deleting a tenant that still holds data
	AdminPasswordHash string `mapstructure:"admin_password_hash" yaml:"admin_password_hash"`
	MaxAttempts       int    `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// LoggingConfig configures the application logger
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	ShowCaller bool   `mapstructure:"show_caller" yaml:"show_caller"`
}

// EngineConfig tunes restore and deletion
type EngineConfig struct {
	RestoreBatchSize  int `mapstructure:"restore_batch_size" yaml:"restore_batch_size"`
	DeleteParallelism int `mapstructure:"delete_parallelism" yaml:"delete_parallelism"`
}

// Default returns the configuration used when nothing else is set
func Default() *Config {
	c := base()
	c.SetDefaults()
	return c
}

// base holds the defaults that do not depend on other keys
func base() *Config {
	return &Config{
		Database: database.DatabaseConfig{
			Host:     "localhost",
			Username: "tenant_vault",
			Database: "pos",
		},
	}
}

// SetDefaults fills every unset value
func (c *Config) SetDefaults() {
	c.Database.SetDefaults()
	c.Storage.SetDefaults()
	c.Snapshot.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Lock.SetDefaults()
	c.Audit.SetDefaults()

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Minute
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Confirmation.MaxAttempts == 0 {
		c.Confirmation.MaxAttempts = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = string(logging.LogLevelNormal)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Engine.RestoreBatchSize == 0 {
		c.Engine.RestoreBatchSize = 200
	}
	if c.Engine.DeleteParallelism == 0 {
		c.Engine.DeleteParallelism = 4
	}
}

// Validate checks every section and reports the first invalid one
func (c *Config) Validate() error {
	sections := []struct {
		name     string
		validate func() error
	}{
		{"database", c.Database.Validate},
		{"storage", c.Storage.Validate},
		{"snapshot", c.Snapshot.Validate},
		{"scheduler", c.Scheduler.Validate},
		{"lock", c.Lock.Validate},
		{"audit", c.Audit.Validate},
		{"server", c.Server.Validate},
		{"retention", c.Retention.Validate},
		{"confirmation", c.Confirmation.Validate},
		{"logging", c.Logging.Validate},
		{"engine", c.Engine.Validate},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return apperrors.NewConfigurationError(fmt.Sprintf("invalid %s configuration", s.name), err)
		}
	}

	if c.Scheduler.RunState == scheduler.RunStateRedis && c.Lock.Backend != lock.BackendRedis {
		return apperrors.NewConfigurationError("invalid scheduler configuration",
			fmt.Errorf("redis run state requires the redis lock backend"))
	}
	return nil
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.SchedulerSecret != "" && len(c.SchedulerSecret) < 16 {
		return fmt.Errorf("scheduler_secret must be at least 16 characters")
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// Validate validates the confirmation configuration
func (c *ConfirmationConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.AdminPasswordHash != "" && !strings.HasPrefix(c.AdminPasswordHash, "$2") {
		return fmt.Errorf("admin_password_hash must be a bcrypt hash")
	}
	return nil
}

// Validate validates the logging configuration
func (c *LoggingConfig) Validate() error {
	switch logging.LogLevel(c.Level) {
	case logging.LogLevelQuiet, logging.LogLevelNormal, logging.LogLevelVerbose, logging.LogLevelDebug:
	default:
		return fmt.Errorf("invalid level %q, must be quiet, normal, verbose or debug", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid format %q, must be text or json", c.Format)
	}
	return nil
}

// LoggerConfig converts the section into a logger configuration
func (c *LoggingConfig) LoggerConfig() logging.Config {
	return logging.Config{
		Level:      logging.LogLevel(c.Level),
		Format:     c.Format,
		ShowCaller: c.ShowCaller,
		LogFile:    c.File,
	}
}

// Validate validates the engine configuration
func (c *EngineConfig) Validate() error {
	if c.RestoreBatchSize < 1 {
		return fmt.Errorf("restore_batch_size must be at least 1")
	}
	if c.DeleteParallelism < 1 {
		return fmt.Errorf("delete_parallelism must be at least 1")
	}
	return nil
}
