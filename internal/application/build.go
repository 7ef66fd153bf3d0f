package application

import (
	"context"
	"fmt"

	"tenant-vault/internal/audit"
	"tenant-vault/internal/backup"
	"tenant-vault/internal/config"
	"tenant-vault/internal/database"
	"tenant-vault/internal/lock"
	"tenant-vault/internal/logging"
	"tenant-vault/internal/manifest"
	"tenant-vault/internal/restore"
	"tenant-vault/internal/restorepoint"
	"tenant-vault/internal/scheduler"
	"tenant-vault/internal/snapshot"
	"tenant-vault/internal/storage"
	"tenant-vault/internal/tenant"
)

// Build connects to the stores named by cfg and wires every engine. Close
// releases what Build opened.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (svc *Service, err error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	db, err := database.NewService(logger).Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	closers = append(closers, db.Close)

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload store: %w", err)
	}

	locker, err := lock.New(ctx, cfg.Lock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create locker: %w", err)
	}

	var runState scheduler.RunStateStore = scheduler.NewMemoryRunState()
	if cfg.Scheduler.RunState == scheduler.RunStateRedis {
		client, err := lock.NewRedisClient(ctx, cfg.Lock.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect scheduler run state: %w", err)
		}
		closers = append(closers, client.Close)
		runState = scheduler.NewRedisRunState(client, cfg.Scheduler.RunStateKey)
	}

	auditor, err := audit.New(cfg.Audit, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create auditor: %w", err)
	}
	closers = append(closers, auditor.Close)

	m := manifest.Default()
	backups := backup.NewEngine(backup.Dependencies{
		DB:       db,
		Manifest: m,
		Codec:    snapshot.NewCodec(cfg.Snapshot),
		Storage:  store,
		Locker:   locker,
		Logger:   logger,
	})
	points := restorepoint.NewRegistry(db, backups.Repository(), logger)

	svc = New(Components{
		DB:            db,
		Manifest:      m,
		Storage:       store,
		Backups:       backups,
		RestorePoints: points,
		Scheduler: scheduler.New(cfg.Scheduler, scheduler.Dependencies{
			Backups:  backups,
			Tenants:  tenant.NewDirectory(db),
			Locker:   locker,
			RunState: runState,
			Logger:   logger,
		}),
		Restores: restore.NewEngine(db, m, points, backups, locker, logger,
			restore.WithBatchSize(cfg.Engine.RestoreBatchSize)),
		Deleter: tenant.NewDeleter(tenant.DeleterConfig{
			DB:            db,
			Manifest:      m,
			RestorePoints: points,
			Backups:       backups,
			Locker:        locker,
			Logger:        logger,
			Parallelism:   cfg.Engine.DeleteParallelism,
		}),
		Retention: backup.NewRetentionManager(backups, points, logger),
		Auditor:   auditor,
		Logger:    logger,
	}, cfg.Retention)
	svc.closers = closers

	logger.WithFields(map[string]interface{}{
		"driver":   cfg.Database.Driver,
		"storage":  string(cfg.Storage.Provider),
		"locks":    cfg.Lock.Backend,
		"manifest": m.Version(),
	}).Debug("Application wired")
	return svc, nil
}
