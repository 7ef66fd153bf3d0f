package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-vault/internal/backup"
	"tenant-vault/internal/database"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/lock"
	"tenant-vault/internal/snapshot"
	"tenant-vault/internal/storage"
	"tenant-vault/internal/tenant"
	"tenant-vault/internal/testutil"
)

type fixture struct {
	db        *database.DB
	locker    *lock.MemoryLocker
	backups   *backup.Engine
	scheduler *Scheduler
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	db := testutil.NewSQLite(t)
	store, err := storage.NewLocalProvider(storage.LocalConfig{BasePath: t.TempDir()}, "")
	require.NoError(t, err)
	locker := lock.NewMemoryLocker()

	backups := backup.NewEngine(backup.Dependencies{
		DB:      db,
		Codec:   snapshot.NewCodec(snapshot.CodecConfig{Compression: snapshot.CompressionTypeLZ4}),
		Storage: store,
		Locker:  locker,
	})
	s := New(config, Dependencies{
		Backups: backups,
		Tenants: tenant.NewDirectory(db),
		Locker:  locker,
	})
	return &fixture{db: db, locker: locker, backups: backups, scheduler: s}
}

func TestRunScheduledBackups_OneBackupPerWindow(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2})
	ctx := context.Background()

	for _, id := range []int64{42, 43, 44} {
		testutil.CreateTenant(t, f.db, id, "Shop")
		testutil.Seed(t, f.db, id, 2, 1)
	}
	testutil.CreateTenant(t, f.db, 45, "Closed Shop")
	testutil.SoftDeleteTenant(t, f.db, 45)

	first, err := f.scheduler.RunScheduledBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Active)
	assert.Equal(t, 3, first.Eligible)
	assert.Equal(t, 3, first.Succeeded)
	assert.Zero(t, first.Failed)
	for _, r := range first.Results {
		assert.True(t, r.Success, r.Detail)
		assert.NotEmpty(t, r.BackupID)
	}

	second, err := f.scheduler.RunScheduledBackups(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Eligible)
	assert.Empty(t, second.Results)

	stats, err := f.scheduler.GetBackupStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(3), stats.Automatic)

	for _, id := range []int64{42, 43, 44} {
		list, err := f.backups.ListBackups(ctx, id)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.True(t, list[0].IsAutomatic)
		assert.Equal(t, int64(0), list[0].CreatedBy)
	}
}

func TestRunScheduledBackups_EligibilityWindow(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour})
	ctx := context.Background()
	testutil.CreateTenant(t, f.db, 42, "Corner Shop")
	testutil.CreateTenant(t, f.db, 43, "Other Shop")

	old, err := f.backups.CreateBackup(ctx, 42, 1, false)
	require.NoError(t, err)
	_, err = f.db.Exec(`UPDATE tenant_backups SET created_at = ? WHERE id = ?`, time.Now().UTC().Add(-2*time.Hour), old.ID)
	require.NoError(t, err)
	_, err = f.backups.CreateBackup(ctx, 43, 1, false)
	require.NoError(t, err)

	report, err := f.scheduler.RunScheduledBackups(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, int64(42), report.Results[0].TenantID)
}

func TestRunScheduledBackups_ConcurrentRunRejected(t *testing.T) {
	f := newFixture(t, Config{})
	testutil.CreateTenant(t, f.db, 42, "Corner Shop")

	// another process holds the run lock
	held, err := f.locker.TryAcquire(context.Background(), lock.SchedulerRunKey)
	require.NoError(t, err)

	_, err = f.scheduler.RunScheduledBackups(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeConcurrency))
	require.NoError(t, held.Release(context.Background()))

	// a run already in progress in this process
	f.scheduler.running.Store(true)
	_, err = f.scheduler.RunScheduledBackups(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeConcurrency))
	f.scheduler.running.Store(false)

	list, err := f.backups.ListBackups(context.Background(), 42)
	require.NoError(t, err)
	assert.Empty(t, list)

	report, err := f.scheduler.RunScheduledBackups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
}

func TestRunScheduledBackups_TenantFailureIsolated(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	testutil.CreateTenant(t, f.db, 42, "Corner Shop")
	testutil.CreateTenant(t, f.db, 43, "Busy Shop")

	held, err := f.locker.TryAcquire(ctx, lock.TenantKey(43))
	require.NoError(t, err)
	defer held.Release(ctx)

	report, err := f.scheduler.RunScheduledBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	for _, r := range report.Results {
		switch r.TenantID {
		case 42:
			assert.True(t, r.Success)
		case 43:
			assert.False(t, r.Success)
			assert.Equal(t, apperrors.ErrorTypeConcurrency, r.ErrorKind)
			assert.NotEmpty(t, r.Detail)
		}
	}
}

func TestRunScheduledBackups_TenantTimeout(t *testing.T) {
	f := newFixture(t, Config{TenantTimeout: time.Nanosecond})
	testutil.CreateTenant(t, f.db, 42, "Corner Shop")

	report, err := f.scheduler.RunScheduledBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.False(t, report.Results[0].Success)
	assert.Equal(t, apperrors.ErrorTypeTimeout, report.Results[0].ErrorKind)
}

func TestGetLastBackupRunTime(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	testutil.CreateTenant(t, f.db, 42, "Corner Shop")

	_, found, err := f.scheduler.GetLastBackupRunTime(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	// without a recorded run the newest automatic backup counts
	b, err := f.backups.CreateBackup(ctx, 42, 0, true)
	require.NoError(t, err)
	last, found, err := f.scheduler.GetLastBackupRunTime(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.WithinDuration(t, b.CreatedAt, last, time.Millisecond)

	fixed := time.Date(2026, 10, 1, 2, 0, 0, 0, time.UTC)
	f.scheduler.now = func() time.Time { return fixed }
	_, err = f.scheduler.RunScheduledBackups(ctx)
	require.NoError(t, err)

	last, found, err = f.scheduler.GetLastBackupRunTime(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, fixed, last)
}

func TestStart_StopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 10 * time.Millisecond})
	testutil.CreateTenant(t, f.db, 42, "Corner Shop")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.scheduler.Start(ctx) }()

	require.Eventually(t, func() bool {
		list, err := f.backups.ListBackups(context.Background(), 42)
		return err == nil && len(list) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"redis run state", func(c *Config) { c.RunState = RunStateRedis }, false},
		{"unknown run state", func(c *Config) { c.RunState = "etcd" }, true},
		{"negative concurrency", func(c *Config) { c.Concurrency = -1 }, true},
		{"negative interval", func(c *Config) { c.Interval = -time.Minute }, true},
		{"negative system user", func(c *Config) { c.SystemUserID = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Config{}
			config.SetDefaults()
			tt.mutate(&config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMemoryRunState(t *testing.T) {
	state := NewMemoryRunState()
	ctx := context.Background()

	_, found, err := state.LastRun(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	later := testutil.Epoch.Add(time.Hour)
	require.NoError(t, state.RecordRun(ctx, later))
	require.NoError(t, state.RecordRun(ctx, testutil.Epoch))

	last, found, err := state.LastRun(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, later, last)
}

func TestRedisRunState(t *testing.T) {
	addr := os.Getenv("TENANT_VAULT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TENANT_VAULT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	key := "tenant-vault-test:" + t.Name()
	defer client.Del(ctx, key)
	state := NewRedisRunState(client, key)

	_, found, err := state.LastRun(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, state.RecordRun(ctx, testutil.Epoch))
	last, found, err := state.LastRun(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, testutil.Epoch.Equal(last))
}
