// Package tenant looks up tenants and removes a tenant's whole data
// footprint in dependency order.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenant-vault/internal/database"
	apperrors "tenant-vault/internal/errors"
)

const (
	tenantsTable = "tenants"

	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// Tenant is one row of the tenants table
type Tenant struct {
	ID        int64      `db:"id" json:"id"`
	Name      string     `db:"name" json:"name"`
	Status    string     `db:"status" json:"status"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Deleted reports whether the tenant has been soft-deleted. Suspended or
// otherwise inactive tenants are not deleted.
func (t *Tenant) Deleted() bool {
	return t.DeletedAt != nil || t.Status == StatusDeleted
}

// Directory reads the tenants table
type Directory struct {
	db *database.DB
}

// NewDirectory creates a tenant directory
func NewDirectory(db *database.DB) *Directory {
	return &Directory{db: db}
}

// Get returns the tenant with the given id. An unknown id is a validation error.
func (d *Directory) Get(ctx context.Context, id int64) (*Tenant, error) {
	if id <= 0 {
		return nil, apperrors.NewValidationError("tenant id must be positive, got %d", id)
	}

	sb := d.db.Flavor().NewSelectBuilder()
	sb.Select("id", "name", "status", "deleted_at").From(tenantsTable).Where(sb.Equal("id", id))
	query, args := sb.Build()

	var t Tenant
	if err := d.db.GetContext(ctx, &t, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewValidationError("tenant %d does not exist", id)
		}
		return nil, apperrors.WrapStoreError(err, "failed to load tenant")
	}
	return &t, nil
}

// GetExisting is like Get but also rejects deleted tenants
func (d *Directory) GetExisting(ctx context.Context, id int64) (*Tenant, error) {
	t, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Deleted() {
		return nil, apperrors.NewValidationError("tenant %d is deleted", id)
	}
	return t, nil
}

// ListActive returns every active tenant ordered by id, the scheduler's
// eligibility set. This is one of the two reads that span tenants.
func (d *Directory) ListActive(ctx context.Context) ([]*Tenant, error) {
	sb := d.db.Flavor().NewSelectBuilder()
	sb.Select("id", "name", "status", "deleted_at").
		From(tenantsTable).
		Where(sb.Equal("status", StatusActive), sb.IsNull("deleted_at")).
		OrderBy("id")
	query, args := sb.Build()

	var tenants []*Tenant
	if err := d.db.SelectContext(ctx, &tenants, query, args...); err != nil {
		return nil, apperrors.WrapStoreError(err, "failed to list active tenants")
	}
	return tenants, nil
}
