package schema

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tenant-vault/internal/database"
	apperrors "tenant-vault/internal/errors"
)

// catalogQueries reads tables, columns and foreign keys from a server catalog.
// Every query returns table name first.
type catalogQueries struct {
	tables      string
	columns     string
	foreignKeys string
}

var catalogs = map[string]catalogQueries{
	database.DialectMySQL: {
		tables: `
			SELECT TABLE_NAME
			FROM INFORMATION_SCHEMA.TABLES
			WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE'
			ORDER BY TABLE_NAME`,
		columns: `
			SELECT TABLE_NAME, COLUMN_NAME
			FROM INFORMATION_SCHEMA.COLUMNS
			WHERE TABLE_SCHEMA = DATABASE()
			ORDER BY TABLE_NAME, ORDINAL_POSITION`,
		foreignKeys: `
			SELECT TABLE_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
			FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
			WHERE TABLE_SCHEMA = DATABASE() AND REFERENCED_TABLE_NAME IS NOT NULL
			ORDER BY TABLE_NAME, CONSTRAINT_NAME, ORDINAL_POSITION`,
	},
	database.DialectPostgres: {
		tables: `
			SELECT table_name
			FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
			ORDER BY table_name`,
		columns: `
			SELECT table_name, column_name
			FROM information_schema.columns
			WHERE table_schema = current_schema()
			ORDER BY table_name, ordinal_position`,
		foreignKeys: `
			SELECT tc.table_name, kcu.column_name, ccu.table_name, ccu.column_name
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
				ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
			JOIN information_schema.constraint_column_usage ccu
				ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
			WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = current_schema()
			ORDER BY tc.table_name, tc.constraint_name`,
	},
}

const (
	sqliteTables      = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	sqliteColumns     = `SELECT name FROM pragma_table_info(?) ORDER BY cid`
	sqliteForeignKeys = `SELECT "table", "from", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`
)

// Extractor reads the live schema of the row store
type Extractor struct {
	db           *database.DB
	queryTimeout time.Duration
}

// NewExtractor creates a new schema extractor
func NewExtractor(db *database.DB) *Extractor {
	return NewExtractorWithTimeout(db, 30*time.Second)
}

// NewExtractorWithTimeout creates a new schema extractor with custom timeout
func NewExtractorWithTimeout(db *database.DB, timeout time.Duration) *Extractor {
	return &Extractor{db: db, queryTimeout: timeout}
}

// ExtractSchema reads every base table of the connected database
func (e *Extractor) ExtractSchema(ctx context.Context) (*Schema, error) {
	if e.db == nil {
		return nil, apperrors.NewConfigurationError("database connection is nil", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	var (
		schema *Schema
		err    error
	)
	if e.db.Dialect().Name == database.DialectSQLite {
		schema, err = e.extractSQLite(ctx)
	} else {
		schema, err = e.extractCatalog(ctx)
	}
	if err != nil {
		return nil, apperrors.NewStoreError("failed to read the live schema", err)
	}
	return schema, nil
}

func (e *Extractor) extractCatalog(ctx context.Context) (*Schema, error) {
	queries, ok := catalogs[e.db.Dialect().Name]
	if !ok {
		return nil, fmt.Errorf("no catalog queries for dialect %s", e.db.Dialect().Name)
	}

	schema := NewSchema()
	if err := e.scan(ctx, queries.tables, func(rows *sql.Rows) error {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		schema.table(name)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := e.scan(ctx, queries.columns, func(rows *sql.Rows) error {
		var tableName, columnName string
		if err := rows.Scan(&tableName, &columnName); err != nil {
			return fmt.Errorf("failed to scan column data: %w", err)
		}
		// views show up in the column catalog too
		if t, ok := schema.Tables[tableName]; ok {
			t.Columns = append(t.Columns, columnName)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := e.scan(ctx, queries.foreignKeys, func(rows *sql.Rows) error {
		var tableName string
		var fk ForeignKey
		if err := rows.Scan(&tableName, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return fmt.Errorf("failed to scan foreign key data: %w", err)
		}
		if t, ok := schema.Tables[tableName]; ok {
			t.ForeignKeys = append(t.ForeignKeys, fk)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return schema, nil
}

func (e *Extractor) extractSQLite(ctx context.Context) (*Schema, error) {
	schema := NewSchema()
	if err := e.scan(ctx, sqliteTables, func(rows *sql.Rows) error {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		schema.table(name)
		return nil
	}); err != nil {
		return nil, err
	}

	for name, t := range schema.Tables {
		table := t
		if err := e.scan(ctx, sqliteColumns, func(rows *sql.Rows) error {
			var column string
			if err := rows.Scan(&column); err != nil {
				return fmt.Errorf("failed to scan column data: %w", err)
			}
			table.Columns = append(table.Columns, column)
			return nil
		}, name); err != nil {
			return nil, err
		}

		if err := e.scan(ctx, sqliteForeignKeys, func(rows *sql.Rows) error {
			var fk ForeignKey
			var to sql.NullString
			if err := rows.Scan(&fk.ReferencedTable, &fk.Column, &to); err != nil {
				return fmt.Errorf("failed to scan foreign key data: %w", err)
			}
			// an omitted column references the parent's primary key
			fk.ReferencedColumn = to.String
			table.ForeignKeys = append(table.ForeignKeys, fk)
			return nil
		}, name); err != nil {
			return nil, err
		}
	}
	return schema, nil
}

func (e *Extractor) scan(ctx context.Context, query string, fn func(rows *sql.Rows) error, args ...interface{}) error {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating catalog rows: %w", err)
	}
	return nil
}
