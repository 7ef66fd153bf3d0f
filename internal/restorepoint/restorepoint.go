// Package restorepoint keeps named, user-visible pointers to complete backups.
package restorepoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"tenant-vault/internal/backup"
	"tenant-vault/internal/database"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/logging"
)

const restorePointsTable = "tenant_restore_points"

var restorePointColumns = []string{"id", "tenant_id", "backup_id", "name", "description", "created_by", "created_at"}

var validate = validator.New(validator.WithRequiredStructEnabled())

// RestorePoint is a named pointer to a backup of the same tenant
type RestorePoint struct {
	ID          string    `db:"id" json:"id"`
	TenantID    int64     `db:"tenant_id" json:"tenant_id"`
	BackupID    string    `db:"backup_id" json:"backup_id"`
	Name        string    `db:"name" json:"name"`
	Description *string   `db:"description" json:"description,omitempty"`
	CreatedBy   int64     `db:"created_by" json:"created_by"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// CreateRequest is the input of Create
type CreateRequest struct {
	TenantID    int64  `validate:"gt=0"`
	BackupID    string `validate:"required,max=36"`
	Name        string `validate:"required,max=255"`
	Description string `validate:"max=2000"`
	CreatorID   int64  `validate:"gte=0"`
}

// Registry stores restore points
type Registry struct {
	db      *database.DB
	flavor  sqlbuilder.Flavor
	backups *backup.Repository
	logger  *logging.Logger
}

// NewRegistry creates a restore point registry
func NewRegistry(db *database.DB, backups *backup.Repository, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Registry{db: db, flavor: db.Flavor(), backups: backups, logger: logger}
}

// Create registers a restore point for a complete backup of the same tenant.
// Several restore points may point at one backup.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*RestorePoint, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := validate.Struct(req); err != nil {
		return nil, apperrors.NewValidationError("invalid restore point: %s", describe(err))
	}

	b, err := r.backups.Get(ctx, req.BackupID)
	if err != nil {
		return nil, err
	}
	if b.TenantID != req.TenantID {
		r.logger.LogSecurityEvent("restore_point_foreign_backup", req.TenantID, map[string]interface{}{
			"backup_id":     b.ID,
			"backup_tenant": b.TenantID,
			"creator_id":    req.CreatorID,
		})
		return nil, apperrors.NewTenantIsolationError(
			"backup %s belongs to tenant %d, not tenant %d", b.ID, b.TenantID, req.TenantID)
	}
	if !b.Restorable() {
		return nil, apperrors.NewValidationError("backup %s is %s, only complete backups can be restore points", b.ID, b.Status)
	}

	rp := &RestorePoint{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		BackupID:  b.ID,
		Name:      req.Name,
		CreatedBy: req.CreatorID,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if req.Description != "" {
		desc := req.Description
		rp.Description = &desc
	}

	ib := r.flavor.NewInsertBuilder()
	ib.InsertInto(restorePointsTable).Cols(restorePointColumns...).
		Values(rp.ID, rp.TenantID, rp.BackupID, rp.Name, rp.Description, rp.CreatedBy, rp.CreatedAt)
	if _, err := database.Exec(ctx, r.db, r.logger, ib); err != nil {
		return nil, apperrors.WrapStoreError(err, "failed to create restore point")
	}

	r.logger.WithTenant(rp.TenantID).WithFields(map[string]interface{}{
		"restore_point_id": rp.ID,
		"backup_id":        rp.BackupID,
		"name":             rp.Name,
	}).Info("Restore point created")
	return rp, nil
}

// List returns the tenant's restore points newest first
func (r *Registry) List(ctx context.Context, tenantID int64) ([]*RestorePoint, error) {
	if tenantID <= 0 {
		return nil, apperrors.NewValidationError("tenant id must be positive, got %d", tenantID)
	}

	sb := r.flavor.NewSelectBuilder()
	sb.Select(restorePointColumns...).From(restorePointsTable).
		Where(sb.Equal("tenant_id", tenantID)).
		OrderBy("created_at DESC", "id DESC")
	query, args := sb.Build()

	points := []*RestorePoint{}
	if err := r.db.SelectContext(ctx, &points, query, args...); err != nil {
		return nil, apperrors.WrapStoreError(err, "failed to list restore points")
	}
	return points, nil
}

// Get returns a restore point by id without tenant scoping. Callers compare
// the tenant themselves so a mismatch is reported as an isolation violation
// instead of a missing row.
func (r *Registry) Get(ctx context.Context, id string) (*RestorePoint, error) {
	sb := r.flavor.NewSelectBuilder()
	sb.Select(restorePointColumns...).From(restorePointsTable).Where(sb.Equal("id", id))
	query, args := sb.Build()

	var rp RestorePoint
	if err := r.db.GetContext(ctx, &rp, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewValidationError("restore point %s does not exist", id)
		}
		return nil, apperrors.WrapStoreError(err, "failed to load restore point")
	}
	return &rp, nil
}

// GetForTenant returns a restore point of the given tenant
func (r *Registry) GetForTenant(ctx context.Context, id string, tenantID int64) (*RestorePoint, error) {
	rp, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rp.TenantID != tenantID {
		r.logger.LogSecurityEvent("restore_point_foreign_tenant", tenantID, map[string]interface{}{
			"restore_point_id": id,
			"owner_tenant":     rp.TenantID,
		})
		return nil, apperrors.NewTenantIsolationError(
			"restore point %s belongs to tenant %d, not tenant %d", id, rp.TenantID, tenantID)
	}
	return rp, nil
}

// Delete removes only the pointer; the backup stays. It reports false when
// the tenant has no restore point with that id.
func (r *Registry) Delete(ctx context.Context, id string, tenantID int64) (bool, error) {
	if tenantID <= 0 {
		return false, apperrors.NewValidationError("tenant id must be positive, got %d", tenantID)
	}

	del := r.flavor.NewDeleteBuilder()
	del.DeleteFrom(restorePointsTable).Where(del.Equal("id", id), del.Equal("tenant_id", tenantID))
	n, err := database.Exec(ctx, r.db, r.logger, del)
	if err != nil {
		return false, apperrors.WrapStoreError(err, "failed to delete restore point")
	}
	return n > 0, nil
}

// DeleteByTenant removes every restore point of a tenant
func (r *Registry) DeleteByTenant(ctx context.Context, tenantID int64) (int64, error) {
	del := r.flavor.NewDeleteBuilder()
	del.DeleteFrom(restorePointsTable).Where(del.Equal("tenant_id", tenantID))
	n, err := database.Exec(ctx, r.db, r.logger, del)
	if err != nil {
		return 0, apperrors.WrapStoreError(err, "failed to delete tenant restore points")
	}
	return n, nil
}

// ReferencedBackups returns the ids of every backup a restore point points at
func (r *Registry) ReferencedBackups(ctx context.Context) (map[string]bool, error) {
	sb := r.flavor.NewSelectBuilder()
	sb.Select("backup_id").Distinct().From(restorePointsTable)
	query, args := sb.Build()

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, apperrors.WrapStoreError(err, "failed to list referenced backups")
	}

	refs := make(map[string]bool, len(ids))
	for _, id := range ids {
		refs[id] = true
	}
	return refs, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.StructField(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", fe.StructField(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
