package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/logging"
)

func TestTenantKey(t *testing.T) {
	assert.Equal(t, "tenant:42", TenantKey(42))
}

func TestMemoryLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	first, err := locker.TryAcquire(ctx, TenantKey(1))
	require.NoError(t, err)
	assert.True(t, locker.Held(TenantKey(1)))

	_, err = locker.TryAcquire(ctx, TenantKey(1))
	assert.ErrorIs(t, err, ErrNotAcquired)

	other, err := locker.TryAcquire(ctx, TenantKey(2))
	require.NoError(t, err, "different tenants do not contend")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	assert.ErrorIs(t, first.Release(ctx), ErrNotHeld)

	again, err := locker.TryAcquire(ctx, TenantKey(1))
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestMemoryLocker_StaleReleaseDoesNotFreeNewHolder(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	stale, err := locker.TryAcquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, stale.Release(ctx))

	current, err := locker.TryAcquire(ctx, "k")
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	assert.True(t, locker.Held("k"))
	require.NoError(t, current.Release(ctx))
}

func TestMemoryLocker_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := locker.TryAcquire(ctx, SchedulerRunKey); err == nil {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

func TestWithLock(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	logger := logging.NewNopLogger()

	t.Run("runs and releases", func(t *testing.T) {
		ran := false
		err := WithLock(ctx, locker, TenantKey(5), logger, func(ctx context.Context) error {
			ran = true
			assert.True(t, locker.Held(TenantKey(5)))
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
		assert.False(t, locker.Held(TenantKey(5)))
	})

	t.Run("held lock is a concurrency error", func(t *testing.T) {
		held, err := locker.TryAcquire(ctx, TenantKey(6))
		require.NoError(t, err)
		defer held.Release(ctx)

		err = WithLock(ctx, locker, TenantKey(6), logger, func(ctx context.Context) error {
			t.Fatal("must not run while the lock is held")
			return nil
		})
		assert.True(t, apperrors.Is(err, apperrors.ErrorTypeConcurrency))
	})

	t.Run("releases on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := WithLock(ctx, locker, TenantKey(7), logger, func(ctx context.Context) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.False(t, locker.Held(TenantKey(7)))
	})
}

type losableLock struct {
	key      string
	lost     chan struct{}
	released bool
}

func (l *losableLock) Key() string {
	return l.key
}

func (l *losableLock) Lost() <-chan struct{} {
	return l.lost
}

func (l *losableLock) Release(ctx context.Context) error {
	l.released = true
	return nil
}

type losableLocker struct {
	lock *losableLock
}

func (s *losableLocker) TryAcquire(ctx context.Context, key string) (Lock, error) {
	s.lock = &losableLock{key: key, lost: make(chan struct{})}
	return s.lock, nil
}

func TestWithLock_LostLockCancelsOperation(t *testing.T) {
	locker := &losableLocker{}

	err := WithLock(context.Background(), locker, TenantKey(8), logging.NewNopLogger(), func(ctx context.Context) error {
		close(locker.lock.lost)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			t.Error("operation context was not cancelled after the lock was lost")
			return nil
		}
	})

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrorTypeConcurrency), "got %v", err)
	assert.True(t, locker.lock.released)
}

func TestWithLock_KeptLockLeavesContextAlive(t *testing.T) {
	locker := &losableLocker{}

	err := WithLock(context.Background(), locker, TenantKey(9), logging.NewNopLogger(), func(ctx context.Context) error {
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.True(t, locker.lock.released)
}

func TestConfig_Validate(t *testing.T) {
	config := Config{}
	config.SetDefaults()
	require.NoError(t, config.Validate())
	assert.Equal(t, BackendMemory, config.Backend)
	assert.Less(t, config.RenewInterval, config.TTL)

	config.Backend = "zookeeper"
	assert.Error(t, config.Validate())

	config = Config{TTL: time.Second, RenewInterval: 2 * time.Second}
	config.SetDefaults()
	assert.Error(t, config.Validate())
}

func TestNew_Memory(t *testing.T) {
	locker, err := New(context.Background(), Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryLocker{}, locker)
}

func redisTestConfig(t *testing.T) Config {
	t.Helper()
	addr := os.Getenv("TENANT_VAULT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TENANT_VAULT_TEST_REDIS_ADDR not set")
	}
	config := Config{
		Backend:       BackendRedis,
		KeyPrefix:     "tenant-vault-test:" + t.Name() + ":",
		TTL:           600 * time.Millisecond,
		RenewInterval: 150 * time.Millisecond,
		Redis:         RedisConfig{Addr: addr},
	}
	config.SetDefaults()
	return config
}

func TestRedisLocker(t *testing.T) {
	config := redisTestConfig(t)
	ctx := context.Background()

	client, err := NewRedisClient(ctx, config.Redis)
	require.NoError(t, err)
	defer client.Close()

	locker := NewRedisLocker(client, config, logging.NewNopLogger())
	contender := NewRedisLocker(client, config, logging.NewNopLogger())

	held, err := locker.TryAcquire(ctx, TenantKey(1))
	require.NoError(t, err)

	_, err = contender.TryAcquire(ctx, TenantKey(1))
	assert.ErrorIs(t, err, ErrNotAcquired)

	// outlive the ttl; renewal keeps the lock
	time.Sleep(2 * config.TTL)
	_, err = contender.TryAcquire(ctx, TenantKey(1))
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, held.Release(ctx))
	assert.ErrorIs(t, held.Release(ctx), ErrNotHeld)

	next, err := contender.TryAcquire(ctx, TenantKey(1))
	require.NoError(t, err)
	require.NoError(t, next.Release(ctx))
}

func TestRedisLocker_SignalsLoss(t *testing.T) {
	config := redisTestConfig(t)
	ctx := context.Background()

	client, err := NewRedisClient(ctx, config.Redis)
	require.NoError(t, err)
	defer client.Close()

	held, err := NewRedisLocker(client, config, logging.NewNopLogger()).TryAcquire(ctx, TenantKey(2))
	require.NoError(t, err)

	// another process takes the key over
	require.NoError(t, client.Set(ctx, config.KeyPrefix+TenantKey(2), "intruder", config.TTL).Err())

	select {
	case <-held.Lost():
	case <-time.After(4 * config.RenewInterval):
		t.Fatal("lock loss was not signalled")
	}
	assert.ErrorIs(t, held.Release(ctx), ErrNotHeld)
	client.Del(ctx, config.KeyPrefix+TenantKey(2))
}
