package lock

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryLocker holds locks inside the current process
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]string
}

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]string)}
}

// TryAcquire takes key if it is free
func (m *MemoryLocker) TryAcquire(ctx context.Context, key string) (Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[key]; ok {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	m.held[key] = token
	return &memoryLock{locker: m, key: key, token: token}, nil
}

// Held reports whether key is currently locked
func (m *MemoryLocker) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[key]
	return ok
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLock) Key() string {
	return l.key
}

func (l *memoryLock) Lost() <-chan struct{} {
	return nil
}

func (l *memoryLock) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()

	if l.locker.held[l.key] != l.token {
		return ErrNotHeld
	}
	delete(l.locker.held, l.key)
	return nil
}
