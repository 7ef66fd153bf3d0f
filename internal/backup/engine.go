// Package backup captures tenants into immutable backups and manages the
// stored records and their payloads.
package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tenant-vault/internal/database"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/lock"
	"tenant-vault/internal/logging"
	"tenant-vault/internal/manifest"
	"tenant-vault/internal/metrics"
	"tenant-vault/internal/snapshot"
	"tenant-vault/internal/storage"
	"tenant-vault/internal/tenant"
)

// Engine creates backups and reads them back
type Engine struct {
	repo     *Repository
	tenants  *tenant.Directory
	capturer *Capturer
	codec    *snapshot.Codec
	store    storage.Provider
	locker   lock.Locker
	manifest *manifest.Manifest
	logger   *logging.Logger
}

// Dependencies are the collaborators of an Engine
type Dependencies struct {
	DB       *database.DB
	Manifest *manifest.Manifest
	Codec    *snapshot.Codec
	Storage  storage.Provider
	Locker   lock.Locker
	Logger   *logging.Logger
}

// NewEngine creates a backup engine
func NewEngine(deps Dependencies) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	m := deps.Manifest
	if m == nil {
		m = manifest.Default()
	}
	return &Engine{
		repo:     NewRepository(deps.DB),
		tenants:  tenant.NewDirectory(deps.DB),
		capturer: NewCapturer(deps.DB, m, logger),
		codec:    deps.Codec,
		store:    deps.Storage,
		locker:   deps.Locker,
		manifest: m,
		logger:   logger,
	}
}

// Repository returns the backup record repository
func (e *Engine) Repository() *Repository {
	return e.repo
}

// Storage returns the payload store
func (e *Engine) Storage() storage.Provider {
	return e.store
}

// CreateBackup captures every manifested table of the tenant into a new
// backup. The per-tenant lock is held for the whole capture. Any failure
// leaves the record failed and no payload behind.
func (e *Engine) CreateBackup(ctx context.Context, tenantID, actingUserID int64, isAutomatic bool) (*Backup, error) {
	if tenantID <= 0 {
		return nil, apperrors.NewValidationError("tenant id must be positive, got %d", tenantID)
	}
	if _, err := e.tenants.GetExisting(ctx, tenantID); err != nil {
		return nil, err
	}

	var created *Backup
	err := lock.WithLock(ctx, e.locker, lock.TenantKey(tenantID), e.logger, func(ctx context.Context) error {
		var err error
		created, err = e.create(ctx, tenantID, actingUserID, isAutomatic)
		return err
	})
	if apperrors.Is(err, apperrors.ErrorTypeConcurrency) {
		metrics.LockContentionTotal.WithLabelValues("create_backup").Inc()
	}
	return created, err
}

func (e *Engine) create(ctx context.Context, tenantID, actingUserID int64, isAutomatic bool) (b *Backup, err error) {
	start := time.Now()
	b = &Backup{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		CreatedBy:       actingUserID,
		IsAutomatic:     isAutomatic,
		Status:          StatusInProgress,
		Manifest:        TableCounts{},
		ManifestVersion: e.manifest.Version(),
		CreatedAt:       now(),
	}

	log := e.logger.WithTenant(tenantID).WithField("backup_id", b.ID)
	log.WithField("automatic", isAutomatic).Info("Creating backup")

	if err := e.repo.Insert(ctx, b); err != nil {
		metrics.ObserveBackup(isAutomatic, time.Since(start), 0, err)
		return nil, err
	}

	var stored string
	defer func() {
		metrics.ObserveBackup(isAutomatic, time.Since(start), b.SizeBytes, err)
		if err == nil {
			return
		}
		// the record and payload are cleaned up even when ctx was cancelled
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if stored != "" {
			if delErr := e.store.Delete(cleanupCtx, stored); delErr != nil {
				log.Warnf("Failed to remove payload of failed backup: %v", delErr)
			}
		}
		if markErr := e.repo.MarkFailed(cleanupCtx, b.ID, err.Error()); markErr != nil {
			log.Errorf("Failed to mark backup failed: %v", markErr)
		}
		log.WithField("error", err.Error()).Error("Backup failed")
		b = nil
	}()

	snap, err := e.capturer.Capture(ctx, tenantID)
	if err != nil {
		return b, apperrors.WrapStoreError(err, "failed to capture tenant")
	}

	payload, stats, err := e.codec.Encode(snap)
	if err != nil {
		return b, apperrors.NewStoreError("failed to encode snapshot", err)
	}

	key := storage.BackupKey(tenantID, b.ID)
	if err := e.store.Put(ctx, key, payload, map[string]string{
		"tenant-id":        fmt.Sprintf("%d", tenantID),
		"backup-id":        b.ID,
		"manifest-version": fmt.Sprintf("%d", e.manifest.Version()),
		"checksum":         stats.Checksum,
	}); err != nil {
		return b, apperrors.NewStoreError("failed to store backup payload", err)
	}
	stored = key

	completed := now()
	b.Status = StatusComplete
	b.PayloadRef = key
	b.Manifest = TableCounts(snap.Counts())
	b.SizeBytes = stats.StoredSize
	b.Checksum = stats.Checksum
	b.CompletedAt = &completed

	if err := e.repo.MarkComplete(ctx, b); err != nil {
		return b, err
	}

	log.WithFields(map[string]interface{}{
		"rows":        b.Manifest.Total(),
		"size_bytes":  b.SizeBytes,
		"raw_bytes":   stats.RawSize,
		"compression": stats.Compression.Algorithm,
		"encrypted":   stats.Encrypted,
		"duration":    time.Since(start).String(),
	}).Info("Backup complete")
	return b, nil
}

// GetBackup returns a backup record
func (e *Engine) GetBackup(ctx context.Context, id string) (*Backup, error) {
	return e.repo.Get(ctx, id)
}

// ListBackups returns the tenant's backups newest first
func (e *Engine) ListBackups(ctx context.Context, tenantID int64) ([]*Backup, error) {
	if tenantID <= 0 {
		return nil, apperrors.NewValidationError("tenant id must be positive, got %d", tenantID)
	}
	return e.repo.ListByTenant(ctx, tenantID)
}

// LatestBackup returns the tenant's newest complete backup, or nil
func (e *Engine) LatestBackup(ctx context.Context, tenantID int64) (*Backup, error) {
	return e.repo.Latest(ctx, tenantID, StatusComplete)
}

// Stats aggregates the backups of one tenant, or all tenants for zero
func (e *Engine) Stats(ctx context.Context, tenantID int64) (*Stats, error) {
	return e.repo.Stats(ctx, tenantID)
}

// LoadSnapshot fetches a complete backup's payload, verifies its checksum
// and decodes it
func (e *Engine) LoadSnapshot(ctx context.Context, b *Backup) (*snapshot.Snapshot, error) {
	if !b.Restorable() {
		return nil, apperrors.NewValidationError("backup %s is %s and cannot be read", b.ID, b.Status)
	}

	payload, err := e.store.Get(ctx, b.PayloadRef)
	if err != nil {
		return nil, apperrors.NewStoreError(fmt.Sprintf("failed to fetch payload of backup %s", b.ID), err)
	}
	if err := snapshot.VerifyChecksum(payload, b.Checksum); err != nil {
		return nil, apperrors.NewStoreError(fmt.Sprintf("payload of backup %s is corrupt", b.ID), err)
	}

	snap, err := e.codec.Decode(payload)
	if err != nil {
		return nil, apperrors.NewStoreError(fmt.Sprintf("failed to decode backup %s", b.ID), err)
	}
	return snap, nil
}

// VerifyBackup checks that a stored payload matches its record
func (e *Engine) VerifyBackup(ctx context.Context, id string) (*VerifyReport, error) {
	b, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{BackupID: b.ID, TenantID: b.TenantID}
	snap, err := e.LoadSnapshot(ctx, b)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrorTypeValidation) {
			return nil, err
		}
		report.Errors = append(report.Errors, err.Error())
		return report, nil
	}
	report.ChecksumValid = true
	report.Counts = TableCounts(snap.Counts())

	if err := snap.Validate(e.manifest, b.TenantID); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	report.CountsMatch = len(report.Counts) == len(b.Manifest)
	for table, n := range b.Manifest {
		if report.Counts[table] != n {
			report.CountsMatch = false
			report.Errors = append(report.Errors,
				fmt.Sprintf("table %s: record says %d rows, payload has %d", table, n, report.Counts[table]))
		}
	}
	return report, nil
}

// DeleteTenantBackups removes every backup record of a tenant and their
// payloads. Records go first so a failure never leaves a record pointing at
// a missing payload.
func (e *Engine) DeleteTenantBackups(ctx context.Context, tenantID int64) (int64, error) {
	backups, err := e.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	n, err := e.repo.DeleteByTenant(ctx, e.repo.db, tenantID)
	if err != nil {
		return 0, err
	}

	for _, b := range backups {
		if b.PayloadRef == "" {
			continue
		}
		if err := e.store.Delete(ctx, b.PayloadRef); err != nil && !storage.IsNotFound(err) {
			e.logger.WithTenant(tenantID).WithField("backup_id", b.ID).
				Warnf("Failed to remove backup payload: %v", err)
		}
	}
	return n, nil
}
