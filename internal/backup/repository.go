package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/huandu/go-sqlbuilder"

	"tenant-vault/internal/database"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/logging"
)

const backupsTable = "tenant_backups"

var backupColumns = []string{
	"id", "tenant_id", "created_by", "is_automatic", "status", "payload_ref", "manifest",
	"manifest_version", "size_bytes", "checksum", "error_message", "created_at", "completed_at",
}

// Repository persists backup records in tenant_backups
type Repository struct {
	db     *database.DB
	flavor sqlbuilder.Flavor
	logger *logging.Logger
}

// NewRepository creates a backup repository
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db, flavor: db.Flavor(), logger: db.Logger()}
}

// Insert stores a new backup record
func (r *Repository) Insert(ctx context.Context, b *Backup) error {
	ib := r.flavor.NewInsertBuilder()
	ib.InsertInto(backupsTable).Cols(backupColumns...).Values(
		b.ID, b.TenantID, b.CreatedBy, b.IsAutomatic, string(b.Status), b.PayloadRef, b.Manifest,
		b.ManifestVersion, b.SizeBytes, b.Checksum, b.ErrorMessage, b.CreatedAt, b.CompletedAt,
	)
	if _, err := database.Exec(ctx, r.db, r.logger, ib); err != nil {
		return apperrors.WrapStoreError(err, "failed to insert backup record")
	}
	return nil
}

// MarkComplete moves an in-progress backup to complete
func (r *Repository) MarkComplete(ctx context.Context, b *Backup) error {
	ub := r.flavor.NewUpdateBuilder()
	ub.Update(backupsTable).Set(
		ub.Assign("status", string(StatusComplete)),
		ub.Assign("payload_ref", b.PayloadRef),
		ub.Assign("manifest", b.Manifest),
		ub.Assign("size_bytes", b.SizeBytes),
		ub.Assign("checksum", b.Checksum),
		ub.Assign("completed_at", b.CompletedAt),
	).Where(ub.Equal("id", b.ID), ub.Equal("status", string(StatusInProgress)))

	n, err := database.Exec(ctx, r.db, r.logger, ub)
	if err != nil {
		return apperrors.WrapStoreError(err, "failed to complete backup record")
	}
	if n != 1 {
		return apperrors.NewStoreError(fmt.Sprintf("backup %s is no longer in progress", b.ID), nil)
	}
	return nil
}

// MarkFailed moves an in-progress backup to failed with the error message
func (r *Repository) MarkFailed(ctx context.Context, id string, message string) error {
	ub := r.flavor.NewUpdateBuilder()
	ub.Update(backupsTable).Set(
		ub.Assign("status", string(StatusFailed)),
		ub.Assign("payload_ref", ""),
		ub.Assign("error_message", message),
		ub.Assign("completed_at", now()),
	).Where(ub.Equal("id", id), ub.Equal("status", string(StatusInProgress)))

	if _, err := database.Exec(ctx, r.db, r.logger, ub); err != nil {
		return apperrors.WrapStoreError(err, "failed to mark backup failed")
	}
	return nil
}

// Get returns a backup by id. An unknown id is a validation error.
func (r *Repository) Get(ctx context.Context, id string) (*Backup, error) {
	sb := r.flavor.NewSelectBuilder()
	sb.Select(backupColumns...).From(backupsTable).Where(sb.Equal("id", id))
	return r.getOne(ctx, sb, fmt.Sprintf("backup %s does not exist", id))
}

// ListByTenant returns the tenant's backups newest first
func (r *Repository) ListByTenant(ctx context.Context, tenantID int64) ([]*Backup, error) {
	sb := r.flavor.NewSelectBuilder()
	sb.Select(backupColumns...).From(backupsTable).
		Where(sb.Equal("tenant_id", tenantID)).
		OrderBy("created_at DESC", "id DESC")
	return r.list(ctx, sb)
}

// ListAll returns every backup ordered by tenant, newest first per tenant
func (r *Repository) ListAll(ctx context.Context) ([]*Backup, error) {
	sb := r.flavor.NewSelectBuilder()
	sb.Select(backupColumns...).From(backupsTable).
		OrderBy("tenant_id ASC", "created_at DESC", "id DESC")
	return r.list(ctx, sb)
}

// Latest returns the tenant's newest backup in one of the given states, or
// nil when there is none
func (r *Repository) Latest(ctx context.Context, tenantID int64, statuses ...Status) (*Backup, error) {
	sb := r.flavor.NewSelectBuilder()
	sb.Select(backupColumns...).From(backupsTable).Where(sb.Equal("tenant_id", tenantID))
	if len(statuses) > 0 {
		sb.Where(sb.In("status", statusArgs(statuses)...))
	}
	sb.OrderBy("created_at DESC", "id DESC").Limit(1)

	b, err := r.getOne(ctx, sb, "")
	if apperrors.Is(err, apperrors.ErrorTypeValidation) {
		return nil, nil
	}
	return b, err
}

// LatestAutomatic returns the newest automatic backup across all tenants,
// or nil when there is none
func (r *Repository) LatestAutomatic(ctx context.Context) (*Backup, error) {
	sb := r.flavor.NewSelectBuilder()
	sb.Select(backupColumns...).From(backupsTable).
		Where(sb.Equal("is_automatic", true)).
		OrderBy("created_at DESC", "id DESC").Limit(1)

	b, err := r.getOne(ctx, sb, "")
	if apperrors.Is(err, apperrors.ErrorTypeValidation) {
		return nil, nil
	}
	return b, err
}

// Stats aggregates the backups of one tenant, or of all tenants when
// tenantID is zero
func (r *Repository) Stats(ctx context.Context, tenantID int64) (*Stats, error) {
	sb := r.flavor.NewSelectBuilder()
	sb.Select(
		sb.As("COUNT(*)", "total"),
		sb.As("COALESCE(SUM(CASE WHEN is_automatic THEN 1 ELSE 0 END), 0)", "automatic"),
		sb.As("COALESCE(SUM(CASE WHEN is_automatic THEN 0 ELSE 1 END), 0)", "manual"),
		sb.As(fmt.Sprintf("COALESCE(SUM(CASE WHEN status = %s THEN 1 ELSE 0 END), 0)", sb.Var(string(StatusComplete))), "complete"),
		sb.As(fmt.Sprintf("COALESCE(SUM(CASE WHEN status = %s THEN 1 ELSE 0 END), 0)", sb.Var(string(StatusFailed))), "failed"),
		sb.As(fmt.Sprintf("COALESCE(SUM(CASE WHEN status = %s THEN 1 ELSE 0 END), 0)", sb.Var(string(StatusInProgress))), "in_progress"),
		sb.As("COALESCE(SUM(size_bytes), 0)", "total_bytes"),
	).From(backupsTable)
	if tenantID > 0 {
		sb.Where(sb.Equal("tenant_id", tenantID))
	}
	query, args := sb.Build()

	var stats Stats
	if err := r.db.GetContext(ctx, &stats, query, args...); err != nil {
		return nil, apperrors.WrapStoreError(err, "failed to aggregate backups")
	}

	newest := r.flavor.NewSelectBuilder()
	newest.Select(backupColumns...).From(backupsTable)
	if tenantID > 0 {
		newest.Where(newest.Equal("tenant_id", tenantID))
	}
	newest.OrderBy("created_at DESC", "id DESC").Limit(1)

	b, err := r.getOne(ctx, newest, "")
	switch {
	case apperrors.Is(err, apperrors.ErrorTypeValidation):
	case err != nil:
		return nil, err
	default:
		created := b.CreatedAt
		stats.NewestAt = &created
	}
	return &stats, nil
}

// Delete removes one backup record
func (r *Repository) Delete(ctx context.Context, q database.Querier, id string) error {
	del := r.flavor.NewDeleteBuilder()
	del.DeleteFrom(backupsTable).Where(del.Equal("id", id))
	if _, err := database.Exec(ctx, q, r.logger, del); err != nil {
		return apperrors.WrapStoreError(err, "failed to delete backup record")
	}
	return nil
}

// DeleteByTenant removes every backup record of a tenant
func (r *Repository) DeleteByTenant(ctx context.Context, q database.Querier, tenantID int64) (int64, error) {
	del := r.flavor.NewDeleteBuilder()
	del.DeleteFrom(backupsTable).Where(del.Equal("tenant_id", tenantID))
	n, err := database.Exec(ctx, q, r.logger, del)
	if err != nil {
		return 0, apperrors.WrapStoreError(err, "failed to delete tenant backup records")
	}
	return n, nil
}

func (r *Repository) getOne(ctx context.Context, sb *sqlbuilder.SelectBuilder, notFound string) (*Backup, error) {
	query, args := sb.Build()
	var b Backup
	if err := r.db.GetContext(ctx, &b, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if notFound == "" {
				notFound = "backup not found"
			}
			return nil, apperrors.NewValidationError("%s", notFound)
		}
		return nil, apperrors.WrapStoreError(err, "failed to load backup")
	}
	return &b, nil
}

func (r *Repository) list(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]*Backup, error) {
	query, args := sb.Build()
	var out []*Backup
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, apperrors.WrapStoreError(err, "failed to list backups")
	}
	return out, nil
}

func statusArgs(statuses []Status) []interface{} {
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}
