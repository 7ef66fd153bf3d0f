// Package lock provides the non-blocking advisory locks that keep backup,
// restore and deletion of one tenant from interleaving, and that serialize
// scheduler runs across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/logging"
)

var (
	// ErrNotAcquired is returned when a lock is held by someone else
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld is returned when releasing or extending a lock that expired
	// or was taken over
	ErrNotHeld = errors.New("lock not held")
)

// SchedulerRunKey guards scheduled backup runs
const SchedulerRunKey = "scheduler:run"

// TenantKey returns the advisory lock key of one tenant
func TenantKey(tenantID int64) string {
	return fmt.Sprintf("tenant:%d", tenantID)
}

// Lock is a held lock
type Lock interface {
	Key() string
	Release(ctx context.Context) error
	// Lost is closed once the lock is known to belong to someone else. A nil
	// channel means the lock cannot be lost while held.
	Lost() <-chan struct{}
}

// Locker hands out locks without waiting
type Locker interface {
	TryAcquire(ctx context.Context, key string) (Lock, error)
}

// Config selects the lock backend
type Config struct {
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	KeyPrefix     string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	RenewInterval time.Duration `mapstructure:"renew_interval" yaml:"renew_interval"`
	Redis         RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// SetDefaults sets default values for the lock configuration
func (c *Config) SetDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "tenant-vault:lock:"
	}
	if c.TTL == 0 {
		c.TTL = 2 * time.Minute
	}
	if c.RenewInterval == 0 {
		c.RenewInterval = c.TTL / 3
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
}

// Validate validates the lock configuration
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("lock redis addr is required")
		}
	default:
		return fmt.Errorf("invalid lock backend %q, must be memory or redis", c.Backend)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("lock ttl must be positive")
	}
	if c.RenewInterval <= 0 || c.RenewInterval >= c.TTL {
		return fmt.Errorf("lock renew_interval must be positive and shorter than ttl")
	}
	return nil
}

// New creates the configured locker
func New(ctx context.Context, config Config, logger *logging.Logger) (Locker, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Backend == BackendRedis {
		client, err := NewRedisClient(ctx, config.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisLocker(client, config, logger), nil
	}
	return NewMemoryLocker(), nil
}

// WithLock runs fn while holding key. A held lock is reported as a
// ConcurrencyError. If the lock is lost while fn runs, fn's context is
// cancelled and the loss is reported as a ConcurrencyError.
func WithLock(ctx context.Context, locker Locker, key string, logger *logging.Logger, fn func(ctx context.Context) error) error {
	l, err := locker.TryAcquire(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotAcquired) {
			return apperrors.NewConcurrencyError(
				fmt.Sprintf("another operation holds %s", key), err)
		}
		return apperrors.NewStoreError(fmt.Sprintf("failed to acquire lock %s", key), err)
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.Release(releaseCtx); err != nil && logger != nil {
			logger.WithField("lock", key).Warnf("Failed to release lock: %v", err)
		}
	}()

	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		select {
		case <-l.Lost():
			if logger != nil {
				logger.WithField("lock", key).Error("Lock lost while held, cancelling operation")
			}
			cancel()
		case <-done:
		}
	}()

	err = fn(fnCtx)
	close(done)

	select {
	case <-l.Lost():
		return apperrors.NewConcurrencyError(fmt.Sprintf("lock %s was lost while held", key), ErrNotHeld)
	default:
	}
	return err
}
