// Package runlock keeps two workers from running the same bucket job for the
// same date at once.
package runlock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// ErrRunLocked is returned when another holder owns the lock.
var ErrRunLocked = eris.New("run is locked by another worker")

// Lock is a held lock. Release is safe to call more than once.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker acquires named locks with a time-to-live. The TTL bounds how long a
// crashed holder blocks a retry.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Key names the lock of one bucket job.
func Key(bucketID string, runDate time.Time) string {
	return "collection:run:" + bucketID + ":" + runDate.UTC().Format("2006-01-02")
}

// MemoryLocker is an in-process Locker for single-node deployments and tests.
type MemoryLocker struct {
	mu      sync.Mutex
	held    map[string]memoryEntry
	nowFunc func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryEntry), nowFunc: time.Now}
}

func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	if e, ok := m.held[key]; ok && now.Before(e.expires) {
		return nil, eris.Wrapf(ErrRunLocked, "runlock: %s", key)
	}
	token := uuid.NewString()
	m.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLock{locker: m, key: key, token: token}, nil
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLock) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if e, ok := l.locker.held[l.key]; ok && e.token == l.token {
		delete(l.locker.held, l.key)
	}
	return nil
}
