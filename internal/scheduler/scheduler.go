// Package scheduler runs unattended automatic backups for every eligible
// tenant. Runs are serialized in process and across processes through the
// scheduler run lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tenant-vault/internal/backup"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/lock"
	"tenant-vault/internal/logging"
	"tenant-vault/internal/metrics"
	"tenant-vault/internal/tenant"
)

// Config holds scheduler settings
type Config struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	TenantTimeout time.Duration `mapstructure:"tenant_timeout" yaml:"tenant_timeout"`
	Concurrency   int           `mapstructure:"concurrency" yaml:"concurrency"`
	SystemUserID  int64         `mapstructure:"system_user_id" yaml:"system_user_id"`
	RunState      string        `mapstructure:"run_state" yaml:"run_state"`
	RunStateKey   string        `mapstructure:"run_state_key" yaml:"run_state_key"`
}

const (
	RunStateMemory = "memory"
	RunStateRedis  = "redis"
)

// SetDefaults sets default values for the scheduler configuration
func (c *Config) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = 24 * time.Hour
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Hour
	}
	if c.TenantTimeout == 0 {
		c.TenantTimeout = 10 * time.Minute
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.RunState == "" {
		c.RunState = RunStateMemory
	}
}

// Validate validates the scheduler configuration
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("scheduler poll interval must be positive")
	}
	if c.TenantTimeout <= 0 {
		return fmt.Errorf("scheduler tenant timeout must be positive")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("scheduler concurrency must be at least 1")
	}
	if c.SystemUserID < 0 {
		return fmt.Errorf("scheduler system user id must not be negative")
	}
	switch c.RunState {
	case RunStateMemory, RunStateRedis:
	default:
		return fmt.Errorf("unsupported scheduler run state %q", c.RunState)
	}
	return nil
}

// TenantResult is the outcome of one tenant's scheduled backup
type TenantResult struct {
	TenantID  int64               `json:"tenant_id"`
	Success   bool                `json:"success"`
	BackupID  string              `json:"backup_id,omitempty"`
	ErrorKind apperrors.ErrorType `json:"error_kind,omitempty"`
	Detail    string              `json:"detail,omitempty"`
	Duration  time.Duration       `json:"duration"`
}

// RunReport describes one scheduled run
type RunReport struct {
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Active      int            `json:"active_tenants"`
	Eligible    int            `json:"eligible_tenants"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Results     []TenantResult `json:"results"`
}

// Dependencies are the collaborators of a Scheduler
type Dependencies struct {
	Backups  *backup.Engine
	Tenants  *tenant.Directory
	Locker   lock.Locker
	RunState RunStateStore
	Logger   *logging.Logger
}

// Scheduler creates automatic backups
type Scheduler struct {
	config  Config
	backups *backup.Engine
	tenants *tenant.Directory
	locker  lock.Locker
	state   RunStateStore
	logger  *logging.Logger
	running atomic.Bool
	now     func() time.Time
}

// New creates a scheduler
func New(config Config, deps Dependencies) *Scheduler {
	config.SetDefaults()
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.RunState == nil {
		deps.RunState = NewMemoryRunState()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemoryLocker()
	}
	return &Scheduler{
		config:  config,
		backups: deps.Backups,
		tenants: deps.Tenants,
		locker:  deps.Locker,
		state:   deps.RunState,
		logger:  deps.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunScheduledBackups backs up every active tenant whose newest complete or
// in-progress backup is older than the interval. Only one run proceeds at a
// time; a concurrent call fails with a ConcurrencyError. A tenant's failure
// is recorded in its result and never stops the others.
func (s *Scheduler) RunScheduledBackups(ctx context.Context) (*RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SchedulerRunsTotal.WithLabelValues(string(apperrors.ErrorTypeConcurrency)).Inc()
		return nil, apperrors.NewConcurrencyError("a scheduled backup run is already in progress", nil)
	}
	defer s.running.Store(false)

	var report *RunReport
	err := lock.WithLock(ctx, s.locker, lock.SchedulerRunKey, s.logger, func(ctx context.Context) error {
		var err error
		report, err = s.run(ctx)
		return err
	})
	metrics.SchedulerRunsTotal.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		if apperrors.Is(err, apperrors.ErrorTypeConcurrency) {
			metrics.LockContentionTotal.WithLabelValues("scheduler_run").Inc()
		}
		return nil, err
	}
	return report, nil
}

func (s *Scheduler) run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{StartedAt: s.now(), Results: []TenantResult{}}
	metrics.SchedulerLastRun.Set(float64(report.StartedAt.Unix()))
	if err := s.state.RecordRun(ctx, report.StartedAt); err != nil {
		s.logger.Warnf("Failed to record scheduler run: %v", err)
	}

	eligible, active, err := s.eligibleTenants(ctx, report.StartedAt)
	if err != nil {
		return nil, err
	}
	report.Active = active
	report.Eligible = len(eligible)

	s.logger.WithFields(map[string]interface{}{
		"active_tenants":   active,
		"eligible_tenants": len(eligible),
		"interval":         s.config.Interval.String(),
	}).Info("Starting scheduled backup run")

	results := make([]TenantResult, len(eligible))
	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for i, tenantID := range eligible {
		g.Go(func() error {
			results[i] = s.backupTenant(ctx, tenantID)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Success {
			report.Succeeded++
			metrics.SchedulerTenantsTotal.WithLabelValues(metrics.Status(nil)).Inc()
		} else {
			report.Failed++
			metrics.SchedulerTenantsTotal.WithLabelValues(string(r.ErrorKind)).Inc()
		}
	}
	report.Results = results
	report.CompletedAt = s.now()

	s.logger.WithFields(map[string]interface{}{
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"duration":  report.CompletedAt.Sub(report.StartedAt).String(),
	}).Info("Scheduled backup run complete")
	return report, nil
}

// eligibleTenants is the only read spanning tenants besides the dry-run
// inventory
func (s *Scheduler) eligibleTenants(ctx context.Context, now time.Time) ([]int64, int, error) {
	tenants, err := s.tenants.ListActive(ctx)
	if err != nil {
		return nil, 0, err
	}

	repo := s.backups.Repository()
	var eligible []int64
	for _, t := range tenants {
		latest, err := repo.Latest(ctx, t.ID, backup.StatusComplete, backup.StatusInProgress)
		if err != nil {
			return nil, 0, err
		}
		if latest == nil || now.Sub(latest.CreatedAt) >= s.config.Interval {
			eligible = append(eligible, t.ID)
		}
	}
	return eligible, len(tenants), nil
}

func (s *Scheduler) backupTenant(ctx context.Context, tenantID int64) TenantResult {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, s.config.TenantTimeout)
	defer cancel()

	result := TenantResult{TenantID: tenantID}
	b, err := s.backups.CreateBackup(tctx, tenantID, s.config.SystemUserID, true)
	result.Duration = time.Since(start)
	if err != nil {
		result.ErrorKind = apperrors.KindOf(err)
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			result.ErrorKind = apperrors.ErrorTypeTimeout
		}
		result.Detail = err.Error()
		s.logger.WithTenant(tenantID).WithField("error_kind", result.ErrorKind).
			Warnf("Scheduled backup failed: %v", err)
		return result
	}

	result.Success = true
	result.BackupID = b.ID
	return result
}

// GetBackupStats returns statistics over every tenant's backups
func (s *Scheduler) GetBackupStats(ctx context.Context) (*backup.Stats, error) {
	return s.backups.Stats(ctx, 0)
}

// GetLastBackupRunTime returns when the latest scheduled run started. Without
// a recorded run it falls back to the newest automatic backup; found is false
// when neither exists.
func (s *Scheduler) GetLastBackupRunTime(ctx context.Context) (time.Time, bool, error) {
	last, found, err := s.state.LastRun(ctx)
	if err != nil {
		s.logger.Warnf("Failed to read scheduler run state: %v", err)
	} else if found {
		return last, true, nil
	}

	b, err := s.backups.Repository().LatestAutomatic(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	if b == nil {
		return time.Time{}, false, nil
	}
	return b.CreatedAt, true, nil
}

// Start runs scheduled backups on every poll tick until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.logger.WithField("poll_interval", s.config.PollInterval.String()).Info("Backup scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Backup scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunScheduledBackups(ctx); err != nil {
				if apperrors.Is(err, apperrors.ErrorTypeConcurrency) {
					s.logger.Debugf("Skipping scheduled run: %v", err)
					continue
				}
				s.logger.Errorf("Scheduled backup run failed: %v", err)
			}
		}
	}
}
