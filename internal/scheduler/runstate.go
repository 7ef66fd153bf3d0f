package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunStateStore remembers when the latest scheduled run started
type RunStateStore interface {
	RecordRun(ctx context.Context, startedAt time.Time) error
	LastRun(ctx context.Context) (time.Time, bool, error)
}

// MemoryRunState keeps the run state in process
type MemoryRunState struct {
	mu   sync.RWMutex
	last time.Time
}

// NewMemoryRunState creates an empty in-process run state
func NewMemoryRunState() *MemoryRunState {
	return &MemoryRunState{}
}

func (m *MemoryRunState) RecordRun(ctx context.Context, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if startedAt.After(m.last) {
		m.last = startedAt
	}
	return nil
}

func (m *MemoryRunState) LastRun(ctx context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, !m.last.IsZero(), nil
}

// RedisRunState shares the run state between processes
type RedisRunState struct {
	client redis.Cmdable
	key    string
}

// NewRedisRunState stores the run state under key
func NewRedisRunState(client redis.Cmdable, key string) *RedisRunState {
	if key == "" {
		key = "tenant-vault:scheduler:last-run"
	}
	return &RedisRunState{client: client, key: key}
}

func (r *RedisRunState) RecordRun(ctx context.Context, startedAt time.Time) error {
	if err := r.client.Set(ctx, r.key, startedAt.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("failed to record scheduler run: %w", err)
	}
	return nil
}

func (r *RedisRunState) LastRun(ctx context.Context) (time.Time, bool, error) {
	value, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read scheduler run: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid scheduler run time %q: %w", value, err)
	}
	return t, true, nil
}
