package restorepoint

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-vault/internal/backup"
	"tenant-vault/internal/database"
	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/lock"
	"tenant-vault/internal/logging"
	"tenant-vault/internal/snapshot"
	"tenant-vault/internal/storage"
	"tenant-vault/internal/testutil"
)

type fixture struct {
	db       *database.DB
	engine   *backup.Engine
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewSQLite(t)
	store, err := storage.NewLocalProvider(storage.LocalConfig{BasePath: t.TempDir()}, "")
	require.NoError(t, err)

	engine := backup.NewEngine(backup.Dependencies{
		DB:      db,
		Codec:   snapshot.NewCodec(snapshot.CodecConfig{}),
		Storage: store,
		Locker:  lock.NewMemoryLocker(),
	})
	return &fixture{
		db:       db,
		engine:   engine,
		registry: NewRegistry(db, engine.Repository(), logging.NewNopLogger()),
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	testutil.CreateTenant(t, f.db, 42, "Corner Shop")
	ctx := context.Background()

	b, err := f.engine.CreateBackup(ctx, 42, 1, false)
	require.NoError(t, err)

	rp, err := f.registry.Create(ctx, CreateRequest{
		TenantID:    42,
		BackupID:    b.ID,
		Name:        "  before stocktake ",
		Description: "taken ahead of the yearly count",
		CreatorID:   7,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rp.ID)
	assert.Equal(t, "before stocktake", rp.Name)
	require.NotNil(t, rp.Description)
	assert.Equal(t, "taken ahead of the yearly count", *rp.Description)

	got, err := f.registry.GetForTenant(ctx, rp.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.BackupID)
	assert.Equal(t, int64(7), got.CreatedBy)

	// many restore points may share one backup
	second, err := f.registry.Create(ctx, CreateRequest{TenantID: 42, BackupID: b.ID, Name: "again", CreatorID: 7})
	require.NoError(t, err)
	assert.Nil(t, second.Description)
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(t)
	testutil.CreateTenant(t, f.db, 42, "Corner Shop")
	testutil.CreateTenant(t, f.db, 43, "Other Shop")
	ctx := context.Background()

	own, err := f.engine.CreateBackup(ctx, 42, 1, false)
	require.NoError(t, err)
	foreign, err := f.engine.CreateBackup(ctx, 43, 1, false)
	require.NoError(t, err)

	_, err = f.db.Exec(`INSERT INTO tenant_backups (id, tenant_id, created_by, is_automatic, status, manifest, manifest_version, error_message, created_at)
		VALUES ('failed-one', 42, 0, 0, 'failed', '{}', 3, 'disk full', ?)`, time.Now().UTC())
	require.NoError(t, err)

	tests := []struct {
		name string
		req  CreateRequest
		kind apperrors.ErrorType
	}{
		{"missing name", CreateRequest{TenantID: 42, BackupID: own.ID, Name: "   "}, apperrors.ErrorTypeValidation},
		{"name too long", CreateRequest{TenantID: 42, BackupID: own.ID, Name: strings.Repeat("x", 256)}, apperrors.ErrorTypeValidation},
		{"description too long", CreateRequest{TenantID: 42, BackupID: own.ID, Name: "ok", Description: strings.Repeat("d", 2001)}, apperrors.ErrorTypeValidation},
		{"invalid tenant", CreateRequest{TenantID: 0, BackupID: own.ID, Name: "ok"}, apperrors.ErrorTypeValidation},
		{"unknown backup", CreateRequest{TenantID: 42, BackupID: "missing", Name: "ok"}, apperrors.ErrorTypeValidation},
		{"failed backup", CreateRequest{TenantID: 42, BackupID: "failed-one", Name: "ok"}, apperrors.ErrorTypeValidation},
		{"other tenant's backup", CreateRequest{TenantID: 42, BackupID: foreign.ID, Name: "ok"}, apperrors.ErrorTypeTenantIsolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.registry.Create(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperrors.GetErrorType(err), err.Error())
		})
	}

	points, err := f.registry.List(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestList_NewestFirst(t *testing.T) {
	f := newFixture(t)
	testutil.CreateTenant(t, f.db, 42, "Corner Shop")
	testutil.CreateTenant(t, f.db, 43, "Other Shop")
	ctx := context.Background()

	b, err := f.engine.CreateBackup(ctx, 42, 1, false)
	require.NoError(t, err)
	other, err := f.engine.CreateBackup(ctx, 43, 1, false)
	require.NoError(t, err)

	var ids []string
	for i, name := range []string{"monday", "tuesday", "wednesday"} {
		rp, err := f.registry.Create(ctx, CreateRequest{TenantID: 42, BackupID: b.ID, Name: name, CreatorID: 1})
		require.NoError(t, err)
		_, err = f.db.Exec(`UPDATE tenant_restore_points SET created_at = ? WHERE id = ?`,
			testutil.Epoch.Add(time.Duration(i)*time.Hour), rp.ID)
		require.NoError(t, err)
		ids = append(ids, rp.ID)
	}
	_, err = f.registry.Create(ctx, CreateRequest{TenantID: 43, BackupID: other.ID, Name: "not mine", CreatorID: 1})
	require.NoError(t, err)

	points, err := f.registry.List(ctx, 42)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, ids[2], points[0].ID)
	assert.Equal(t, ids[1], points[1].ID)
	assert.Equal(t, ids[0], points[2].ID)

	_, err = f.registry.List(ctx, 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeValidation))
}

func TestDelete_KeepsBackup(t *testing.T) {
	f := newFixture(t)
	testutil.CreateTenant(t, f.db, 42, "Corner Shop")
	ctx := context.Background()

	b, err := f.engine.CreateBackup(ctx, 42, 1, false)
	require.NoError(t, err)
	rp, err := f.registry.Create(ctx, CreateRequest{TenantID: 42, BackupID: b.ID, Name: "eod", CreatorID: 1})
	require.NoError(t, err)

	refs, err := f.registry.ReferencedBackups(ctx)
	require.NoError(t, err)
	assert.True(t, refs[b.ID])

	// scoped to the owning tenant
	deleted, err := f.registry.Delete(ctx, rp.ID, 43)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = f.registry.Delete(ctx, rp.ID, 42)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = f.registry.Delete(ctx, rp.ID, 42)
	require.NoError(t, err)
	assert.False(t, deleted)

	kept, err := f.engine.GetBackup(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, backup.StatusComplete, kept.Status)

	refs, err = f.registry.ReferencedBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestGetForTenant_ForeignTenant(t *testing.T) {
	f := newFixture(t)
	testutil.CreateTenant(t, f.db, 42, "Corner Shop")
	ctx := context.Background()

	b, err := f.engine.CreateBackup(ctx, 42, 1, false)
	require.NoError(t, err)
	rp, err := f.registry.Create(ctx, CreateRequest{TenantID: 42, BackupID: b.ID, Name: "eod"})
	require.NoError(t, err)

	_, err = f.registry.GetForTenant(ctx, rp.ID, 43)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeTenantIsolation))

	_, err = f.registry.GetForTenant(ctx, "missing", 42)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeValidation))
}
