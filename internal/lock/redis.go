package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tenant-vault/internal/logging"
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// NewRedisClient connects to Redis and pings it
func NewRedisClient(ctx context.Context, config RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", config.Addr, err)
	}
	return client, nil
}

// RedisLocker holds locks in Redis so every process sharing the store sees
// them. Held locks are renewed until released.
type RedisLocker struct {
	client        redis.Cmdable
	keyPrefix     string
	ttl           time.Duration
	renewInterval time.Duration
	logger        *logging.Logger
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(client redis.Cmdable, config Config, logger *logging.Logger) *RedisLocker {
	config.SetDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RedisLocker{
		client:        client,
		keyPrefix:     config.KeyPrefix,
		ttl:           config.TTL,
		renewInterval: config.RenewInterval,
		logger:        logger,
	}
}

// TryAcquire takes key with SET NX and starts renewing it
func (r *RedisLocker) TryAcquire(ctx context.Context, key string) (Lock, error) {
	lockKey := r.keyPrefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, lockKey, token, r.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	r.logger.WithField("lock", key).Debug("Acquired lock")

	l := &redisLock{
		locker:  r,
		key:     key,
		lockKey: lockKey,
		token:   token,
		stop:    make(chan struct{}),
		lost:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.renew()
	return l, nil
}

type redisLock struct {
	locker   *RedisLocker
	key      string
	lockKey  string
	token    string
	stop     chan struct{}
	stopOnce sync.Once
	lost     chan struct{}
	wg       sync.WaitGroup
}

func (l *redisLock) Key() string {
	return l.key
}

func (l *redisLock) Lost() <-chan struct{} {
	return l.lost
}

func (l *redisLock) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()

	result, err := releaseScript.Run(ctx, l.locker.client, []string{l.lockKey}, l.token).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrNotHeld
	}

	l.locker.logger.WithField("lock", l.key).Debug("Released lock")
	return nil
}

// Extend resets the lock TTL if the lock is still ours
func (l *redisLock) Extend(ctx context.Context) error {
	result, err := extendScript.Run(ctx, l.locker.client, []string{l.lockKey}, l.token, l.locker.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *redisLock) renew() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.locker.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.locker.renewInterval)
			err := l.Extend(ctx)
			cancel()
			if err != nil {
				l.locker.logger.WithField("lock", l.key).Warnf("Failed to renew lock: %v", err)
				if errors.Is(err, ErrNotHeld) {
					close(l.lost)
					return
				}
			}
		}
	}
}
