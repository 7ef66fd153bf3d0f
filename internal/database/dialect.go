package database

import (
	"database/sql"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
)

const (
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

// Dialect describes how to talk to one kind of row store
type Dialect struct {
	Name       string
	DriverName string
	Flavor     sqlbuilder.Flavor
	// Snapshot are the options of the read-only transaction backups are
	// captured in.
	Snapshot sql.TxOptions
}

var dialects = map[string]Dialect{
	DialectMySQL: {
		Name:       DialectMySQL,
		DriverName: "mysql",
		Flavor:     sqlbuilder.MySQL,
		Snapshot:   sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
	},
	DialectPostgres: {
		Name:       DialectPostgres,
		DriverName: "postgres",
		Flavor:     sqlbuilder.PostgreSQL,
		Snapshot:   sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
	},
	// a SQLite read transaction already sees a single snapshot
	DialectSQLite: {
		Name:       DialectSQLite,
		DriverName: "sqlite3",
		Flavor:     sqlbuilder.SQLite,
		Snapshot:   sql.TxOptions{ReadOnly: true},
	},
}

// DialectFor returns the dialect registered under name
func DialectFor(name string) (Dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return Dialect{}, fmt.Errorf("unsupported database driver %q (supported: mysql, postgres, sqlite3)", name)
	}
	return d, nil
}

// MustDialect is like DialectFor but panics on an unknown name
func MustDialect(name string) Dialect {
	d, err := DialectFor(name)
	if err != nil {
		panic(err)
	}
	return d
}
