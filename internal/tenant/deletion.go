package tenant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tenant-vault/internal/database"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/lock"
	"tenant-vault/internal/logging"
	"tenant-vault/internal/manifest"
	"tenant-vault/internal/metrics"
)

// RestorePointRemover deletes every restore point of a tenant
type RestorePointRemover interface {
	DeleteByTenant(ctx context.Context, tenantID int64) (int64, error)
}

// BackupRemover deletes every backup record and payload of a tenant
type BackupRemover interface {
	DeleteTenantBackups(ctx context.Context, tenantID int64) (int64, error)
}

// Inventory is the tenant's row count per manifested table
type Inventory struct {
	TenantID int64            `json:"tenant_id"`
	PerTable map[string]int64 `json:"per_table"`
	Total    int64            `json:"total"`
}

// HasData reports whether any manifested table holds rows of the tenant
func (i *Inventory) HasData() bool {
	return i.Total > 0
}

// TableDeletion is one emptied table
type TableDeletion struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

// DeletionReport describes a cascading deletion. On failure Emptied lists
// exactly the tables that no longer hold the tenant's rows.
type DeletionReport struct {
	TenantID             int64           `json:"tenant_id"`
	Emptied              []TableDeletion `json:"emptied"`
	FailedTable          string          `json:"failed_table,omitempty"`
	RowsDeleted          int64           `json:"rows_deleted"`
	RestorePointsDeleted int64           `json:"restore_points_deleted"`
	BackupsDeleted       int64           `json:"backups_deleted"`
	TenantDeleted        bool            `json:"tenant_deleted"`
	Duration             time.Duration   `json:"duration"`
}

// EmptiedTables returns the names of the emptied tables
func (r *DeletionReport) EmptiedTables() []string {
	names := make([]string, len(r.Emptied))
	for i, e := range r.Emptied {
		names[i] = e.Table
	}
	return names
}

// Deleter counts and removes a tenant's whole data footprint
type Deleter struct {
	db          *database.DB
	directory   *Directory
	manifest    *manifest.Manifest
	points      RestorePointRemover
	backups     BackupRemover
	locker      lock.Locker
	logger      *logging.Logger
	parallelism int
}

// DeleterConfig holds the collaborators of a Deleter
type DeleterConfig struct {
	DB            *database.DB
	Manifest      *manifest.Manifest
	RestorePoints RestorePointRemover
	Backups       BackupRemover
	Locker        lock.Locker
	Logger        *logging.Logger
	// Parallelism bounds the statements run at once within a phase
	Parallelism int
}

// NewDeleter creates a Deleter
func NewDeleter(config DeleterConfig) *Deleter {
	if config.Manifest == nil {
		config.Manifest = manifest.Default()
	}
	if config.Logger == nil {
		config.Logger = logging.NewNopLogger()
	}
	if config.Locker == nil {
		config.Locker = lock.NewMemoryLocker()
	}
	if config.Parallelism <= 0 {
		config.Parallelism = 4
	}
	return &Deleter{
		db:          config.DB,
		directory:   NewDirectory(config.DB),
		manifest:    config.Manifest,
		points:      config.RestorePoints,
		backups:     config.Backups,
		locker:      config.Locker,
		logger:      config.Logger,
		parallelism: config.Parallelism,
	}
}

// HasData counts the tenant's rows in every manifested table. It has no
// side effects; callers use it to decide whether deletion needs confirmation.
func (d *Deleter) HasData(ctx context.Context, tenantID int64) (*Inventory, error) {
	if tenantID <= 0 {
		return nil, apperrors.NewValidationError("tenant id must be positive, got %d", tenantID)
	}

	entries := d.manifest.OrderedTables()
	counts := make([]int64, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for i, entry := range entries {
		g.Go(func() error {
			sb := d.db.Flavor().NewSelectBuilder()
			sb.Select("COUNT(*)").From(entry.Table).Where(sb.Equal(entry.TenantColumn, tenantID))
			n, err := database.Count(gctx, d.db, sb)
			if err != nil {
				return apperrors.WrapStoreError(err, fmt.Sprintf("failed to count %s", entry.Table))
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	inv := &Inventory{TenantID: tenantID, PerTable: make(map[string]int64, len(entries))}
	for i, entry := range entries {
		inv.PerTable[entry.Table] = counts[i]
		inv.Total += counts[i]
	}
	return inv, nil
}

// DeleteWithCascade removes the tenant's rows from every manifested table
// child-to-parent, then its restore points, its backups and their payloads,
// and finally the tenant row. Tables of equal rank are deleted concurrently.
// A store failure stops the cascade after the current phase; the returned
// report and error name the tables already emptied and the failing table.
func (d *Deleter) DeleteWithCascade(ctx context.Context, tenantID int64) (*DeletionReport, error) {
	if _, err := d.directory.Get(ctx, tenantID); err != nil {
		return nil, err
	}

	report := &DeletionReport{TenantID: tenantID}
	start := time.Now()
	done := d.logger.LogOperationStart("delete_tenant", map[string]interface{}{"tenant_id": tenantID})

	err := lock.WithLock(ctx, d.locker, lock.TenantKey(tenantID), d.logger, func(ctx context.Context) error {
		return d.cascade(ctx, tenantID, report)
	})
	report.Duration = time.Since(start)
	done(err)

	metrics.DeletionsTotal.WithLabelValues(metrics.Status(err)).Inc()
	if err == nil {
		return report, nil
	}
	if apperrors.Is(err, apperrors.ErrorTypeConcurrency) {
		metrics.LockContentionTotal.WithLabelValues("delete_tenant").Inc()
		return nil, err
	}

	appErr := apperrors.NewStoreError(
		fmt.Sprintf("deletion of tenant %d stopped at %s after emptying %d tables",
			tenantID, report.FailedTable, len(report.Emptied)), err)
	appErr.WithContext("failed_table", report.FailedTable)
	appErr.WithContext("emptied_tables", report.EmptiedTables())
	return report, appErr
}

func (d *Deleter) cascade(ctx context.Context, tenantID int64, report *DeletionReport) error {
	for _, phase := range d.manifest.Phases(true) {
		if err := d.deletePhase(ctx, phase, tenantID, report); err != nil {
			return err
		}
	}

	if d.points != nil {
		n, err := d.points.DeleteByTenant(ctx, tenantID)
		if err != nil {
			report.FailedTable = "tenant_restore_points"
			return err
		}
		report.RestorePointsDeleted = n
	}
	if d.backups != nil {
		n, err := d.backups.DeleteTenantBackups(ctx, tenantID)
		if err != nil {
			report.FailedTable = "tenant_backups"
			return err
		}
		report.BackupsDeleted = n
	}

	del := d.db.Flavor().NewDeleteBuilder()
	del.DeleteFrom(tenantsTable).Where(del.Equal("id", tenantID))
	if _, err := database.Exec(ctx, d.db, d.logger, del); err != nil {
		report.FailedTable = tenantsTable
		return apperrors.WrapStoreError(err, "failed to delete tenant record")
	}
	report.TenantDeleted = true

	d.logger.WithTenant(tenantID).WithFields(map[string]interface{}{
		"rows_deleted":           report.RowsDeleted,
		"restore_points_deleted": report.RestorePointsDeleted,
		"backups_deleted":        report.BackupsDeleted,
	}).Info("Tenant deleted")
	return nil
}

// deletePhase empties one rank. Every table of the phase is attempted so the
// report reflects each table's outcome.
func (d *Deleter) deletePhase(ctx context.Context, phase []manifest.Entry, tenantID int64, report *DeletionReport) error {
	var (
		mu       sync.Mutex
		emptied  []TableDeletion
		failed   []string
		firstErr error
	)

	var g errgroup.Group
	g.SetLimit(d.parallelism)
	for _, entry := range phase {
		g.Go(func() error {
			tableStart := time.Now()
			del := d.db.Flavor().NewDeleteBuilder()
			del.DeleteFrom(entry.Table).Where(del.Equal(entry.TenantColumn, tenantID))
			n, err := database.Exec(ctx, d.db, d.logger, del)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, entry.Table)
				if firstErr == nil {
					firstErr = apperrors.WrapStoreError(err, fmt.Sprintf("failed to delete from %s", entry.Table))
				}
				return nil
			}
			emptied = append(emptied, TableDeletion{Table: entry.Table, Rows: n})
			metrics.RowsDeletedTotal.WithLabelValues(entry.Table).Add(float64(n))
			d.logger.LogTableProcessed("delete", tenantID, entry.Table, n, time.Since(tableStart))
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(emptied, func(i, j int) bool { return emptied[i].Table < emptied[j].Table })
	report.Emptied = append(report.Emptied, emptied...)
	for _, e := range emptied {
		report.RowsDeleted += e.Rows
	}
	if firstErr != nil {
		sort.Strings(failed)
		report.FailedTable = failed[0]
		return firstErr
	}
	return nil
}
