// Package application exposes the tenant-vault operations behind one facade.
// Every operation returns a Result envelope instead of an error so callers
// branch on the error kind, never on messages.
package application

import (
	"context"
	"fmt"
	"time"

	"tenant-vault/internal/audit"
	"tenant-vault/internal/backup"
	"tenant-vault/internal/database"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/logging"
	"tenant-vault/internal/manifest"
	"tenant-vault/internal/restore"
	"tenant-vault/internal/restorepoint"
	"tenant-vault/internal/scheduler"
	"tenant-vault/internal/schema"
	"tenant-vault/internal/storage"
	"tenant-vault/internal/tenant"
)

// Result is the outcome of one operation. Data may be set on failure too,
// for example the per-table progress of a failed restore or deletion.
type Result struct {
	Success   bool                `json:"success"`
	ErrorKind apperrors.ErrorType `json:"error_kind,omitempty"`
	Detail    string              `json:"detail,omitempty"`
	Data      interface{}         `json:"data,omitempty"`
}

// Err returns the failure as an error, or nil on success
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%s: %s", r.ErrorKind, r.Detail)
}

func succeeded(data interface{}) Result {
	return Result{Success: true, Data: data}
}

func failed(err error, data interface{}) Result {
	kind := apperrors.KindOf(err)
	if kind == "" {
		kind = apperrors.ErrorTypeUnknown
	}
	return Result{ErrorKind: kind, Detail: err.Error(), Data: data}
}

// LastRun is the data of GetLastBackupRunTime
type LastRun struct {
	Found     bool       `json:"found"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Components are the engines behind the facade
type Components struct {
	DB            *database.DB
	Manifest      *manifest.Manifest
	Storage       storage.Provider
	Backups       *backup.Engine
	Scheduler     *scheduler.Scheduler
	RestorePoints *restorepoint.Registry
	Restores      *restore.Engine
	Deleter       *tenant.Deleter
	Retention     *backup.RetentionManager
	Auditor       *audit.Auditor
	Logger        *logging.Logger
}

// Service is the application facade
type Service struct {
	components Components
	retention  backup.RetentionPolicy
	logger     *logging.Logger
	auditor    *audit.Auditor
	closers    []func() error
}

// New creates the facade over already built components
func New(components Components, retention backup.RetentionPolicy) *Service {
	if components.Logger == nil {
		components.Logger = logging.NewNopLogger()
	}
	if components.Manifest == nil {
		components.Manifest = manifest.Default()
	}
	return &Service{
		components: components,
		retention:  retention,
		logger:     components.Logger,
		auditor:    components.Auditor,
	}
}

// DB returns the row store handle
func (s *Service) DB() *database.DB {
	return s.components.DB
}

// Scheduler returns the backup scheduler
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.components.Scheduler
}

// Close releases every resource opened by Build, newest first
func (s *Service) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// Ping checks the row store and the payload store
func (s *Service) Ping(ctx context.Context) error {
	if err := s.components.DB.PingContext(ctx); err != nil {
		return apperrors.WrapStoreError(err, "row store unreachable")
	}
	if s.components.Storage != nil {
		if err := s.components.Storage.HealthCheck(ctx); err != nil {
			return apperrors.NewStoreError("payload store unreachable", err)
		}
	}
	return nil
}

// CheckManifest compares the manifest with the live schema of the row store.
// A report with errors is a validation failure that still carries the report.
func (s *Service) CheckManifest(ctx context.Context) Result {
	live, err := schema.NewExtractor(s.components.DB).ExtractSchema(ctx)
	if err != nil {
		return failed(err, nil)
	}
	report := schema.NewValidator().Validate(s.components.Manifest, live)
	if !report.Valid {
		return failed(apperrors.NewValidationError("manifest does not match the row store: %d errors", len(report.Errors())), report)
	}
	return succeeded(report)
}

// CreateBackup captures the tenant's rows into a new backup
func (s *Service) CreateBackup(ctx context.Context, tenantID, actingUserID int64, isAutomatic bool) Result {
	finish := s.auditor.Begin(ctx, "create_backup", tenantID, actingUserID,
		map[string]interface{}{"is_automatic": isAutomatic})

	b, err := s.components.Backups.CreateBackup(ctx, tenantID, actingUserID, isAutomatic)
	if err != nil {
		finish(err, nil)
		return failed(err, nil)
	}
	finish(nil, map[string]interface{}{"backup_id": b.ID, "size_bytes": b.SizeBytes, "rows": b.Manifest.Total()})
	return succeeded(b)
}

// ListBackups lists the tenant's backups, newest first
func (s *Service) ListBackups(ctx context.Context, tenantID int64) Result {
	backups, err := s.components.Backups.ListBackups(ctx, tenantID)
	if err != nil {
		return failed(err, nil)
	}
	return succeeded(backups)
}

// VerifyBackup checks a stored payload against its record
func (s *Service) VerifyBackup(ctx context.Context, backupID string) Result {
	report, err := s.components.Backups.VerifyBackup(ctx, backupID)
	if err != nil {
		return failed(err, nil)
	}
	if !report.Valid() {
		return failed(apperrors.NewStoreError(fmt.Sprintf("backup %s failed verification", backupID), nil), report)
	}
	return succeeded(report)
}

// RunScheduledBackups backs up every eligible tenant. The run succeeds even
// when single tenants fail; their outcomes are in the report.
func (s *Service) RunScheduledBackups(ctx context.Context) Result {
	finish := s.auditor.Begin(ctx, "run_scheduled_backups", 0, 0, nil)

	report, err := s.components.Scheduler.RunScheduledBackups(ctx)
	if err != nil {
		finish(err, nil)
		return failed(err, nil)
	}
	finish(nil, map[string]interface{}{
		"eligible":  report.Eligible,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
	})
	return succeeded(report)
}

// GetBackupStats aggregates backups of one tenant, or of all when tenantID is 0
func (s *Service) GetBackupStats(ctx context.Context, tenantID int64) Result {
	if tenantID < 0 {
		return failed(apperrors.NewValidationError("tenant id must not be negative, got %d", tenantID), nil)
	}
	var (
		stats *backup.Stats
		err   error
	)
	if tenantID == 0 {
		stats, err = s.components.Scheduler.GetBackupStats(ctx)
	} else {
		stats, err = s.components.Backups.Stats(ctx, tenantID)
	}
	if err != nil {
		return failed(err, nil)
	}
	return succeeded(stats)
}

// GetLastBackupRunTime returns when the latest scheduled run started
func (s *Service) GetLastBackupRunTime(ctx context.Context) Result {
	last, found, err := s.components.Scheduler.GetLastBackupRunTime(ctx)
	if err != nil {
		return failed(err, nil)
	}
	data := LastRun{Found: found}
	if found {
		data.LastRunAt = &last
	}
	return succeeded(data)
}

// PurgeBackups applies the configured retention policy
func (s *Service) PurgeBackups(ctx context.Context, policy *backup.RetentionPolicy, dryRun bool, actingUserID int64) Result {
	if policy == nil {
		policy = &s.retention
	}
	finish := s.auditor.Begin(ctx, "purge_backups", 0, actingUserID, map[string]interface{}{
		"dry_run":   dryRun,
		"keep_last": policy.KeepLast,
		"max_age":   policy.MaxAge.String(),
	})

	result, err := s.components.Retention.Purge(ctx, *policy, dryRun)
	if err != nil {
		finish(err, nil)
		return failed(err, nil)
	}
	finish(nil, map[string]interface{}{"purged": len(result.Purged), "freed_bytes": result.FreedBytes})
	return succeeded(result)
}

// CreateRestorePoint names a complete backup of the tenant
func (s *Service) CreateRestorePoint(ctx context.Context, req restorepoint.CreateRequest) Result {
	finish := s.auditor.Begin(ctx, "create_restore_point", req.TenantID, req.CreatorID,
		map[string]interface{}{"backup_id": req.BackupID, "name": req.Name})

	point, err := s.components.RestorePoints.Create(ctx, req)
	if err != nil {
		finish(err, nil)
		return failed(err, nil)
	}
	finish(nil, map[string]interface{}{"restore_point_id": point.ID})
	return succeeded(point)
}

// ListRestorePoints lists the tenant's restore points, newest first
func (s *Service) ListRestorePoints(ctx context.Context, tenantID int64) Result {
	points, err := s.components.RestorePoints.List(ctx, tenantID)
	if err != nil {
		return failed(err, nil)
	}
	return succeeded(points)
}

// GetRestorePoint returns one of the tenant's restore points
func (s *Service) GetRestorePoint(ctx context.Context, restorePointID string, tenantID int64) Result {
	point, err := s.components.RestorePoints.GetForTenant(ctx, restorePointID, tenantID)
	if err != nil {
		return failed(err, nil)
	}
	return succeeded(point)
}

// DeleteRestorePoint removes a restore point of the tenant. The backup it
// points at is kept. Deleting an unknown restore point is a validation failure.
func (s *Service) DeleteRestorePoint(ctx context.Context, restorePointID string, tenantID, actingUserID int64) Result {
	finish := s.auditor.Begin(ctx, "delete_restore_point", tenantID, actingUserID,
		map[string]interface{}{"restore_point_id": restorePointID})

	deleted, err := s.components.RestorePoints.Delete(ctx, restorePointID, tenantID)
	if err == nil && !deleted {
		err = apperrors.NewValidationError("restore point %s not found for tenant %d", restorePointID, tenantID)
	}
	finish(err, nil)
	if err != nil {
		return failed(err, nil)
	}
	return succeeded(map[string]interface{}{"restore_point_id": restorePointID, "deleted": true})
}

// RestoreFromPoint restores the tenant from one of its restore points
func (s *Service) RestoreFromPoint(ctx context.Context, restorePointID string, tenantID int64, restoreType string, actingUserID int64) Result {
	finish := s.auditor.Begin(ctx, "restore_from_point", tenantID, actingUserID, map[string]interface{}{
		"restore_point_id": restorePointID,
		"restore_type":     restoreType,
	})

	result, err := s.components.Restores.RestoreFromPoint(ctx, restorePointID, tenantID, restoreType, actingUserID)
	if err != nil {
		if result == nil {
			finish(err, nil)
			return failed(err, nil)
		}
		finish(err, map[string]interface{}{"failed_table": result.FailedTable})
		return failed(err, result)
	}
	finish(nil, map[string]interface{}{
		"backup_id":        result.BackupID,
		"records_restored": result.RecordsRestored,
		"tables_restored":  result.TablesRestored,
	})
	return succeeded(result)
}

// HasData counts the tenant's rows per manifested table
func (s *Service) HasData(ctx context.Context, tenantID int64) Result {
	inventory, err := s.components.Deleter.HasData(ctx, tenantID)
	if err != nil {
		return failed(err, nil)
	}
	return succeeded(inventory)
}

// DeleteWithCascade removes the tenant's whole footprint. Confirmation is
// the caller's responsibility.
func (s *Service) DeleteWithCascade(ctx context.Context, tenantID, actingUserID int64) Result {
	finish := s.auditor.Begin(ctx, "delete_tenant", tenantID, actingUserID, nil)

	report, err := s.components.Deleter.DeleteWithCascade(ctx, tenantID)
	if err != nil {
		if report == nil {
			finish(err, nil)
			return failed(err, nil)
		}
		finish(err, map[string]interface{}{
			"failed_table":   report.FailedTable,
			"emptied_tables": report.EmptiedTables(),
		})
		return failed(err, report)
	}
	finish(nil, map[string]interface{}{
		"rows_deleted":           report.RowsDeleted,
		"restore_points_deleted": report.RestorePointsDeleted,
		"backups_deleted":        report.BackupsDeleted,
	})
	return succeeded(report)
}
