package backup

import (
	"context"
	"fmt"
	"time"

	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/logging"
	"tenant-vault/internal/metrics"
	"tenant-vault/internal/storage"
)

// RetentionPolicy decides which backups an explicit purge removes. Backups
// are never removed implicitly.
type RetentionPolicy struct {
	// KeepLast keeps the newest complete backups of each tenant
	KeepLast int `mapstructure:"keep_last" yaml:"keep_last"`
	// MaxAge removes complete backups older than this
	MaxAge time.Duration `mapstructure:"max_age" yaml:"max_age"`
	// FailedMaxAge removes failed backups older than this
	FailedMaxAge time.Duration `mapstructure:"failed_max_age" yaml:"failed_max_age"`
}

// Validate validates the retention policy
func (p *RetentionPolicy) Validate() error {
	if p.KeepLast < 0 {
		return fmt.Errorf("keep_last must not be negative")
	}
	if p.MaxAge < 0 || p.FailedMaxAge < 0 {
		return fmt.Errorf("retention ages must not be negative")
	}
	return nil
}

// Enabled reports whether the policy can remove anything
func (p *RetentionPolicy) Enabled() bool {
	return p.KeepLast > 0 || p.MaxAge > 0 || p.FailedMaxAge > 0
}

// ReferenceLister reports which backups are pointed at by restore points
type ReferenceLister interface {
	ReferencedBackups(ctx context.Context) (map[string]bool, error)
}

// PurgeCandidate is one backup selected for removal
type PurgeCandidate struct {
	Backup *Backup `json:"backup"`
	Reason string  `json:"reason"`
}

// PurgeResult describes one retention pass
type PurgeResult struct {
	Examined   int               `json:"examined"`
	Purged     []*PurgeCandidate `json:"purged"`
	Referenced int               `json:"referenced"`
	FreedBytes int64             `json:"freed_bytes"`
	Errors     []string          `json:"errors,omitempty"`
	DryRun     bool              `json:"dry_run"`
	Duration   time.Duration     `json:"duration"`
}

// RetentionManager applies a retention policy to stored backups
type RetentionManager struct {
	repo       *Repository
	store      storage.Provider
	references ReferenceLister
	logger     *logging.Logger
	now        func() time.Time
}

// NewRetentionManager creates a retention manager
func NewRetentionManager(engine *Engine, references ReferenceLister, logger *logging.Logger) *RetentionManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RetentionManager{
		repo:       engine.repo,
		store:      engine.store,
		references: references,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Purge removes the backups the policy selects. In-progress backups and
// backups referenced by a restore point are always kept, as is the newest
// complete backup of every tenant.
func (rm *RetentionManager) Purge(ctx context.Context, policy RetentionPolicy, dryRun bool) (*PurgeResult, error) {
	if err := policy.Validate(); err != nil {
		return nil, apperrors.NewValidationError("invalid retention policy: %v", err)
	}
	start := time.Now()
	result := &PurgeResult{DryRun: dryRun, Purged: []*PurgeCandidate{}}

	backups, err := rm.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	referenced, err := rm.references.ReferencedBackups(ctx)
	if err != nil {
		return nil, apperrors.WrapStoreError(err, "failed to list referenced backups")
	}

	result.Examined = len(backups)
	candidates := rm.selectCandidates(backups, referenced, policy, result)

	for _, c := range candidates {
		if !dryRun {
			if err := rm.purge(ctx, c.Backup); err != nil {
				msg := fmt.Sprintf("failed to purge backup %s: %v", c.Backup.ID, err)
				result.Errors = append(result.Errors, msg)
				rm.logger.Error(msg)
				continue
			}
			metrics.RetentionPurgedTotal.WithLabelValues(c.Reason).Inc()
		}
		result.Purged = append(result.Purged, c)
		result.FreedBytes += c.Backup.SizeBytes
		rm.logger.WithTenant(c.Backup.TenantID).WithFields(map[string]interface{}{
			"backup_id":  c.Backup.ID,
			"reason":     c.Reason,
			"created_at": c.Backup.CreatedAt.Format(time.RFC3339),
			"dry_run":    dryRun,
		}).Info("Backup selected by retention policy")
	}

	result.Duration = time.Since(start)
	rm.logger.Infof("Retention pass finished: %d examined, %d purged, %d kept for restore points (dry run: %v)",
		result.Examined, len(result.Purged), result.Referenced, dryRun)
	return result, nil
}

// selectCandidates expects backups ordered by tenant, newest first
func (rm *RetentionManager) selectCandidates(backups []*Backup, referenced map[string]bool, policy RetentionPolicy, result *PurgeResult) []*PurgeCandidate {
	now := rm.now()
	var candidates []*PurgeCandidate

	var tenantID int64
	completeSeen := 0
	for _, b := range backups {
		if b.TenantID != tenantID {
			tenantID = b.TenantID
			completeSeen = 0
		}

		reason := ""
		switch b.Status {
		case StatusInProgress:
			continue
		case StatusFailed:
			if policy.FailedMaxAge > 0 && now.Sub(b.CreatedAt) > policy.FailedMaxAge {
				reason = "failed"
			}
		case StatusComplete:
			completeSeen++
			if completeSeen == 1 {
				continue
			}
			if policy.KeepLast > 0 && completeSeen > policy.KeepLast {
				reason = "keep_last"
			} else if policy.MaxAge > 0 && now.Sub(b.CreatedAt) > policy.MaxAge {
				reason = "max_age"
			}
		}

		if reason == "" {
			continue
		}
		if referenced[b.ID] {
			result.Referenced++
			continue
		}
		candidates = append(candidates, &PurgeCandidate{Backup: b, Reason: reason})
	}
	return candidates
}

func (rm *RetentionManager) purge(ctx context.Context, b *Backup) error {
	if err := rm.repo.Delete(ctx, rm.repo.db, b.ID); err != nil {
		return err
	}
	if b.PayloadRef != "" {
		if err := rm.store.Delete(ctx, b.PayloadRef); err != nil && !storage.IsNotFound(err) {
			return fmt.Errorf("record removed but payload %s remains: %w", b.PayloadRef, err)
		}
	}
	return nil
}
