// Package restore replays a backup into a tenant's live tables, either
// replacing them (overwrite) or reconciling with them (merge).
package restore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"tenant-vault/internal/backup"
	"tenant-vault/internal/database"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/lock"
	"tenant-vault/internal/logging"
	"tenant-vault/internal/manifest"
	"tenant-vault/internal/metrics"
	"tenant-vault/internal/restorepoint"
	"tenant-vault/internal/snapshot"
)

// Type selects the restore algorithm
type Type string

const (
	// TypeOverwrite deletes the tenant's rows and inserts the captured ones
	TypeOverwrite Type = "overwrite"
	// TypeMerge updates rows that still exist and inserts missing ones; it never deletes
	TypeMerge Type = "merge"
)

const defaultBatchSize = 200

// ParseType validates a restore type name
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeOverwrite, TypeMerge:
		return t, nil
	default:
		return "", apperrors.NewValidationError("unknown restore type %q, must be overwrite or merge", s)
	}
}

// TableReport is the work done on one table
type TableReport struct {
	Table    string `json:"table"`
	Deleted  int64  `json:"deleted"`
	Inserted int64  `json:"inserted"`
	Updated  int64  `json:"updated"`
	// RolledBack is set when the table completed but the transaction was
	// rolled back by a later failure
	RolledBack bool `json:"rolled_back,omitempty"`
}

// Result describes a restore
type Result struct {
	RestorePointID  string        `json:"restore_point_id"`
	BackupID        string        `json:"backup_id"`
	TenantID        int64         `json:"tenant_id"`
	Type            Type          `json:"type"`
	RecordsRestored int64         `json:"records_restored"`
	TablesRestored  int           `json:"tables_restored"`
	Tables          []TableReport `json:"tables"`
	FailedTable     string        `json:"failed_table,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Engine restores backups through restore points
type Engine struct {
	db        *database.DB
	manifest  *manifest.Manifest
	points    *restorepoint.Registry
	backups   *backup.Engine
	locker    lock.Locker
	logger    *logging.Logger
	batchSize int
}

// Option configures an Engine
type Option func(*Engine)

// WithBatchSize sets how many rows one INSERT statement carries
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// NewEngine creates a restore engine
func NewEngine(db *database.DB, m *manifest.Manifest, points *restorepoint.Registry, backups *backup.Engine, locker lock.Locker, logger *logging.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if m == nil {
		m = manifest.Default()
	}
	e := &Engine{
		db:        db,
		manifest:  m,
		points:    points,
		backups:   backups,
		locker:    locker,
		logger:    logger,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RestoreFromPoint replays the restore point's backup into the tenant's
// tables in one transaction. Every check runs before the first write. On a
// store failure the returned result lists the tables that had completed
// before the rollback together with the error.
func (e *Engine) RestoreFromPoint(ctx context.Context, restorePointID string, tenantID int64, restoreType string, actingUserID int64) (*Result, error) {
	if tenantID <= 0 {
		return nil, apperrors.NewValidationError("tenant id must be positive, got %d", tenantID)
	}
	typ, err := ParseType(restoreType)
	if err != nil {
		return nil, err
	}
	if restorePointID == "" {
		return nil, apperrors.NewValidationError("restore point id is required")
	}

	rp, err := e.points.GetForTenant(ctx, restorePointID, tenantID)
	if err != nil {
		return nil, err
	}
	b, err := e.backups.GetBackup(ctx, rp.BackupID)
	if err != nil {
		return nil, err
	}
	if b.TenantID != rp.TenantID {
		e.logger.LogSecurityEvent("restore_point_backup_mismatch", tenantID, map[string]interface{}{
			"restore_point_id": rp.ID,
			"backup_id":        b.ID,
			"backup_tenant":    b.TenantID,
		})
		return nil, apperrors.NewTenantIsolationError(
			"restore point %s references backup %s of tenant %d", rp.ID, b.ID, b.TenantID)
	}
	if !b.Restorable() {
		return nil, apperrors.NewValidationError("backup %s is %s and cannot be restored", b.ID, b.Status)
	}

	result := &Result{RestorePointID: rp.ID, BackupID: b.ID, TenantID: tenantID, Type: typ}
	start := time.Now()

	err = lock.WithLock(ctx, e.locker, lock.TenantKey(tenantID), e.logger, func(ctx context.Context) error {
		snap, err := e.backups.LoadSnapshot(ctx, b)
		if err != nil {
			return err
		}
		if err := e.verify(snap, tenantID); err != nil {
			return err
		}

		e.logger.WithTenant(tenantID).WithFields(map[string]interface{}{
			"restore_point_id": rp.ID,
			"backup_id":        b.ID,
			"type":             typ,
			"acting_user_id":   actingUserID,
			"rows":             snap.TotalRows(),
		}).Info("Restoring tenant")

		return e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
			if typ == TypeOverwrite {
				return e.overwrite(ctx, tx, snap, tenantID, result)
			}
			return e.merge(ctx, tx, snap, tenantID, result)
		})
	})
	result.Duration = time.Since(start)

	if err != nil {
		if apperrors.Is(err, apperrors.ErrorTypeConcurrency) {
			metrics.LockContentionTotal.WithLabelValues("restore").Inc()
		}
		metrics.ObserveRestore(string(typ), result.Duration, 0, err)
		if len(result.Tables) == 0 && result.FailedTable == "" {
			return nil, err
		}
		for i := range result.Tables {
			result.Tables[i].RolledBack = true
		}
		result.RecordsRestored = 0
		result.TablesRestored = 0
		e.logger.WithTenant(tenantID).WithFields(map[string]interface{}{
			"failed_table":     result.FailedTable,
			"completed_tables": len(result.Tables),
		}).Errorf("Restore rolled back: %v", err)

		storeErr := apperrors.NewStoreError(
			fmt.Sprintf("restore of tenant %d failed at table %s and was rolled back", tenantID, result.FailedTable), err)
		storeErr.WithContext("failed_table", result.FailedTable)
		storeErr.WithContext("completed_tables", completedTables(result.Tables))
		return result, storeErr
	}

	metrics.ObserveRestore(string(typ), result.Duration, result.RecordsRestored, nil)
	e.logger.WithTenant(tenantID).WithFields(map[string]interface{}{
		"records_restored": result.RecordsRestored,
		"tables_restored":  result.TablesRestored,
		"duration":         result.Duration.String(),
	}).Info("Restore complete")
	return result, nil
}

// verify rejects payloads that do not match the manifest or carry another
// tenant's rows. Nothing has been written when it fails.
func (e *Engine) verify(snap *snapshot.Snapshot, tenantID int64) error {
	if err := snap.Validate(e.manifest, tenantID); err != nil {
		if apperrors.Is(err, apperrors.ErrorTypeTenantIsolation) {
			e.logger.LogSecurityEvent("restore_payload_foreign_rows", tenantID, map[string]interface{}{
				"detail": err.Error(),
			})
		}
		return err
	}
	for _, entry := range e.manifest.OrderedTables() {
		if _, ok := snap.Table(entry.Table); !ok {
			return apperrors.NewValidationError(
				"backup does not contain table %s (captured with manifest version %d, current is %d)",
				entry.Table, snap.ManifestVersion, e.manifest.Version())
		}
	}
	return nil
}

func (e *Engine) overwrite(ctx context.Context, tx *sqlx.Tx, snap *snapshot.Snapshot, tenantID int64, result *Result) error {
	reports := make(map[string]*TableReport, e.manifest.Len())

	for _, entry := range e.manifest.ReverseTables() {
		del := e.db.Flavor().NewDeleteBuilder()
		del.DeleteFrom(entry.Table).Where(del.Equal(entry.TenantColumn, tenantID))
		n, err := database.Exec(ctx, tx, e.logger, del)
		if err != nil {
			result.FailedTable = entry.Table
			return apperrors.WrapStoreError(err, fmt.Sprintf("failed to clear table %s", entry.Table))
		}
		reports[entry.Table] = &TableReport{Table: entry.Table, Deleted: n}
	}

	for _, entry := range e.manifest.OrderedTables() {
		table, _ := snap.Table(entry.Table)
		report := reports[entry.Table]

		n, err := e.insertRows(ctx, tx, entry, table, table.Rows, tenantID)
		if err != nil {
			result.FailedTable = entry.Table
			return err
		}
		report.Inserted = n
		e.complete(result, *report)
	}
	return nil
}

func (e *Engine) merge(ctx context.Context, tx *sqlx.Tx, snap *snapshot.Snapshot, tenantID int64, result *Result) error {
	for _, entry := range e.manifest.OrderedTables() {
		table, _ := snap.Table(entry.Table)
		report := TableReport{Table: entry.Table}

		if len(table.Rows) > 0 {
			existing, err := e.livePrimaryKeys(ctx, tx, entry, tenantID)
			if err != nil {
				result.FailedTable = entry.Table
				return err
			}

			pkIdx := table.ColumnIndex(entry.PrimaryKey)
			var missing [][]snapshot.Value
			for _, row := range table.Rows {
				if !existing[keyOf(row[pkIdx].V)] {
					missing = append(missing, row)
					continue
				}
				if err := e.updateRow(ctx, tx, entry, table, row, tenantID); err != nil {
					result.FailedTable = entry.Table
					return err
				}
				report.Updated++
			}

			n, err := e.insertRows(ctx, tx, entry, table, missing, tenantID)
			if err != nil {
				result.FailedTable = entry.Table
				return err
			}
			report.Inserted = n
		}
		e.complete(result, report)
	}
	return nil
}

func (e *Engine) complete(result *Result, report TableReport) {
	result.Tables = append(result.Tables, report)
	result.TablesRestored++
	result.RecordsRestored += report.Inserted + report.Updated
}

// insertRows writes captured rows in batches. The tenant column is always
// written as tenantID.
func (e *Engine) insertRows(ctx context.Context, tx *sqlx.Tx, entry manifest.Entry, table *snapshot.Table, rows [][]snapshot.Value, tenantID int64) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tenantIdx := table.ColumnIndex(entry.TenantColumn)

	var inserted int64
	for start := 0; start < len(rows); start += e.batchSize {
		end := start + e.batchSize
		if end > len(rows) {
			end = len(rows)
		}

		ib := e.db.Flavor().NewInsertBuilder()
		ib.InsertInto(entry.Table).Cols(table.Columns...)
		for _, row := range rows[start:end] {
			ib.Values(rowArgs(row, tenantIdx, tenantID)...)
		}

		n, err := database.Exec(ctx, tx, e.logger, ib)
		if err != nil {
			return inserted, apperrors.WrapStoreError(err, fmt.Sprintf("failed to insert into %s", entry.Table))
		}
		if n == 0 {
			n = int64(end - start)
		}
		inserted += n
	}
	return inserted, nil
}

// updateRow sets every non-key column of one live row, matched by primary
// key and tenant
func (e *Engine) updateRow(ctx context.Context, tx *sqlx.Tx, entry manifest.Entry, table *snapshot.Table, row []snapshot.Value, tenantID int64) error {
	ub := e.db.Flavor().NewUpdateBuilder()
	ub.Update(entry.Table)

	var pk interface{}
	assignments := make([]string, 0, len(table.Columns))
	for i, col := range table.Columns {
		switch col {
		case entry.PrimaryKey:
			pk = row[i].V
		case entry.TenantColumn:
		default:
			assignments = append(assignments, ub.Assign(col, row[i].V))
		}
	}
	if len(assignments) == 0 {
		return nil
	}
	ub.Set(assignments...).Where(ub.Equal(entry.PrimaryKey, pk), ub.Equal(entry.TenantColumn, tenantID))

	if _, err := database.Exec(ctx, tx, e.logger, ub); err != nil {
		return apperrors.WrapStoreError(err, fmt.Sprintf("failed to update %s row %v", entry.Table, pk))
	}
	return nil
}

func (e *Engine) livePrimaryKeys(ctx context.Context, tx *sqlx.Tx, entry manifest.Entry, tenantID int64) (map[string]bool, error) {
	sb := e.db.Flavor().NewSelectBuilder()
	sb.Select(entry.PrimaryKey).From(entry.Table).Where(sb.Equal(entry.TenantColumn, tenantID))
	return collectKeys(ctx, tx, sb)
}

func collectKeys(ctx context.Context, tx *sqlx.Tx, sb *sqlbuilder.SelectBuilder) (map[string]bool, error) {
	query, args := sb.Build()
	rows, err := tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.WrapStoreError(err, "failed to read live primary keys")
	}
	defer rows.Close()

	keys := map[string]bool{}
	for rows.Next() {
		var v interface{}
		if err := rows.Scan(&v); err != nil {
			return nil, apperrors.WrapStoreError(err, "failed to scan primary key")
		}
		keys[keyOf(snapshot.NormalizeValue(v).V)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.WrapStoreError(err, "failed to read live primary keys")
	}
	return keys, nil
}

func keyOf(v interface{}) string {
	if n, ok := snapshot.AsInt64(v); ok {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%v", v)
}

func rowArgs(row []snapshot.Value, tenantIdx int, tenantID int64) []interface{} {
	args := make([]interface{}, len(row))
	for i, v := range row {
		args[i] = v.V
	}
	args[tenantIdx] = tenantID
	return args
}

func completedTables(reports []TableReport) []string {
	names := make([]string, len(reports))
	for i, r := range reports {
		names[i] = r.Table
	}
	return names
}
