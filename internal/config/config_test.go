package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-vault/internal/database"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/lock"
	"tenant-vault/internal/scheduler"
	"tenant-vault/internal/snapshot"
	"tenant-vault/internal/storage"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Equal(t, database.DialectMySQL, c.Database.Driver)
	assert.Equal(t, 3306, c.Database.Port)
	assert.Equal(t, storage.ProviderLocal, c.Storage.Provider)
	assert.Equal(t, snapshot.CompressionTypeZstd, c.Snapshot.Compression)
	assert.Equal(t, 24*time.Hour, c.Scheduler.Interval)
	assert.Equal(t, lock.BackendMemory, c.Lock.Backend)
	assert.Equal(t, ":8080", c.Server.Address)
	assert.Empty(t, c.Server.SchedulerSecret)
	assert.Equal(t, 3, c.Confirmation.MaxAttempts)
	assert.Equal(t, "normal", c.Logging.Level)
	assert.Equal(t, 200, c.Engine.RestoreBatchSize)
}

func TestLoader_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tenant-vault.yaml", `
database:
  driver: postgres
  host: db.internal
  username: vault
  database: pos
storage:
  provider: local
  local:
    base_path: /var/lib/tenant-vault
scheduler:
  interval: 12h
  concurrency: 8
retention:
  keep_last: 5
`)
	t.Setenv("TENANT_VAULT_DATABASE_PASSWORD", "s3cret")
	t.Setenv("TENANT_VAULT_SCHEDULER_TENANT_TIMEOUT", "90s")
	t.Setenv("TENANT_VAULT_SERVER_SCHEDULER_SECRET", "0123456789abcdef0123")

	loader := NewLoader(path).WithEnvFiles()
	loader.Set("logging.level", "debug")
	c, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, path, loader.ConfigFileUsed())
	assert.Equal(t, database.DialectPostgres, c.Database.Driver)
	assert.Equal(t, "db.internal", c.Database.Host)
	assert.Equal(t, 5432, c.Database.Port)
	assert.Equal(t, "s3cret", c.Database.Password)
	assert.Equal(t, "/var/lib/tenant-vault", c.Storage.Local.BasePath)
	assert.Equal(t, 12*time.Hour, c.Scheduler.Interval)
	assert.Equal(t, 90*time.Second, c.Scheduler.TenantTimeout)
	assert.Equal(t, 8, c.Scheduler.Concurrency)
	assert.Equal(t, 5, c.Retention.KeepLast)
	assert.Equal(t, "0123456789abcdef0123", c.Server.SchedulerSecret)
	assert.Equal(t, "debug", c.Logging.Level)
}

func TestLoader_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "TENANT_VAULT_STORAGE_PREFIX=shops\n")
	t.Cleanup(func() { os.Unsetenv("TENANT_VAULT_STORAGE_PREFIX") })

	c, err := NewLoader(filepath.Join(dir, "missing-ok.yaml")).WithEnvFiles(envFile).Load()
	require.Error(t, err, "an explicit config file must exist")
	assert.Nil(t, c)

	path := writeFile(t, dir, "tenant-vault.yaml", "logging:\n  format: json\n")
	c, err = NewLoader(path).WithEnvFiles(envFile).Load()
	require.NoError(t, err)
	assert.Equal(t, "shops", c.Storage.Prefix)
	assert.Equal(t, "json", c.Logging.Format)
}

func TestLoader_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown driver", "database:\n  driver: oracle\n"},
		{"unknown storage", "storage:\n  provider: ftp\n"},
		{"bad compression", "snapshot:\n  compression: brotli\n"},
		{"short secret", "server:\n  scheduler_secret: short\n"},
		{"plain admin password", "confirmation:\n  admin_password_hash: hunter2\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"redis run state without redis locks", "scheduler:\n  run_state: redis\n"},
		{"negative retention", "retention:\n  keep_last: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "tenant-vault.yaml", tt.content)
			_, err := NewLoader(path).WithEnvFiles().Load()
			if err == nil {
				t.Fatalf("Load() expected error for %s", tt.name)
			}
			if !apperrors.Is(err, apperrors.ErrorTypeConfiguration) {
				t.Errorf("Load() error type = %v, want configuration", apperrors.GetErrorType(err))
			}
		})
	}
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "tenant-vault.yaml")
	require.NoError(t, WriteTemplate(path, false))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "TENANT_VAULT_DATABASE_PASSWORD")
	assert.Contains(t, string(data), "scheduler_secret")

	// the template loads back to the defaults
	c, err := NewLoader(path).WithEnvFiles().Load()
	require.NoError(t, err)
	want := Default()
	assert.Equal(t, want.Database, c.Database)
	assert.Equal(t, want.Scheduler, c.Scheduler)
	assert.Equal(t, want.Lock, c.Lock)
	assert.Equal(t, want.Server, c.Server)
	assert.Equal(t, want.Engine, c.Engine)
	assert.Equal(t, want.Storage.Local, c.Storage.Local)

	err = WriteTemplate(path, false)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeValidation))
	assert.NoError(t, WriteTemplate(path, true))
}

func TestEnvironmentVariables(t *testing.T) {
	vars, err := EnvironmentVariables()
	require.NoError(t, err)
	assert.Contains(t, vars, "TENANT_VAULT_DATABASE_PASSWORD")
	assert.Contains(t, vars, "TENANT_VAULT_SERVER_SCHEDULER_SECRET")
	assert.Contains(t, vars, "TENANT_VAULT_LOCK_REDIS_ADDR")
	assert.Contains(t, vars, "TENANT_VAULT_SCHEDULER_RUN_STATE")
}

func TestConfig_RedisRunState(t *testing.T) {
	c := Default()
	c.Scheduler.RunState = scheduler.RunStateRedis
	assert.Error(t, c.Validate())

	c.Lock.Backend = lock.BackendRedis
	assert.NoError(t, c.Validate())
}
