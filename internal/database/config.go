package database

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// DatabaseConfig holds the configuration parameters for the row store connection
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Username        string        `mapstructure:"username" yaml:"username"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Database        string        `mapstructure:"database" yaml:"database"`
	Path            string        `mapstructure:"path" yaml:"path"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// SetDefaults sets default values for the configuration
func (dc *DatabaseConfig) SetDefaults() {
	if dc.Driver == "" {
		dc.Driver = DialectMySQL
	}
	if dc.Port == 0 {
		switch dc.Driver {
		case DialectMySQL:
			dc.Port = 3306
		case DialectPostgres:
			dc.Port = 5432
		}
	}
	if dc.Driver == DialectPostgres && dc.SSLMode == "" {
		dc.SSLMode = "disable"
	}
	if dc.Timeout <= 0 {
		dc.Timeout = 30 * time.Second
	}
	if dc.MaxOpenConns <= 0 {
		dc.MaxOpenConns = 10
	}
	if dc.MaxIdleConns <= 0 {
		dc.MaxIdleConns = 5
	}
	if dc.ConnMaxLifetime <= 0 {
		dc.ConnMaxLifetime = 5 * time.Minute
	}
}

// Validate checks if the database configuration has all required parameters
func (dc *DatabaseConfig) Validate() error {
	var errs []error

	if _, err := DialectFor(dc.Driver); err != nil {
		errs = append(errs, err)
	}

	if dc.Driver == DialectSQLite {
		if dc.Path == "" {
			errs = append(errs, errors.New("path is required for sqlite3"))
		}
	} else {
		if dc.Host == "" {
			errs = append(errs, errors.New("host is required"))
		}
		if dc.Port <= 0 || dc.Port > 65535 {
			errs = append(errs, errors.New("port must be between 1 and 65535"))
		}
		if dc.Username == "" {
			errs = append(errs, errors.New("username is required"))
		}
		if dc.Database == "" {
			errs = append(errs, errors.New("database name is required"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("database configuration validation failed: %v", errs)
	}
	return nil
}

// DSN returns the data source name for the configured driver
func (dc *DatabaseConfig) DSN() string {
	switch dc.Driver {
	case DialectPostgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(dc.Username, dc.Password),
			Host:   fmt.Sprintf("%s:%d", dc.Host, dc.Port),
			Path:   "/" + dc.Database,
		}
		q := url.Values{}
		q.Set("sslmode", dc.SSLMode)
		q.Set("connect_timeout", fmt.Sprintf("%d", int(dc.Timeout.Seconds())))
		u.RawQuery = q.Encode()
		return u.String()
	case DialectSQLite:
		return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL",
			dc.Path, dc.Timeout.Milliseconds())
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?timeout=%s&parseTime=true&loc=UTC",
			dc.Username, dc.Password, dc.Host, dc.Port, dc.Database, dc.Timeout)
	}
}

// Target returns a loggable description of the connection target
func (dc *DatabaseConfig) Target() string {
	if dc.Driver == DialectSQLite {
		return dc.Path
	}
	return fmt.Sprintf("%s:%d/%s", dc.Host, dc.Port, dc.Database)
}
