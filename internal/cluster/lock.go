package cluster

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout signals that a named lock could not be acquired within
// the caller's bound. Callers treat it as "lock not acquired" and fall
// back to their documented failure behavior.
var ErrLockTimeout = errors.New("cluster: lock acquisition timed out")

// Lease is a held named lock. Release is idempotent. Lost is closed when
// the implementation can no longer maintain the hold (a failed lease
// renewal); lockers without leases return a nil channel that never
// fires. A holder that sees Lost must stop relying on its exclusivity.
type Lease interface {
	Release()
	Lost() <-chan struct{}
}

// Locker hands out cluster-wide named mutual-exclusion tokens. At most one
// holder per name; release is explicit via Lease.Release, or implied by
// holder failure where the implementation supports leases.
type Locker interface {
	Acquire(ctx context.Context, name string, timeout time.Duration) (Lease, error)
}

// MemoryLocker implements Locker within one process. There is no lease
// expiry: a crashed holder is the whole process.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[name]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[name] = s
	}
	return s
}

func (l *MemoryLocker) Acquire(ctx context.Context, name string, timeout time.Duration) (Lease, error) {
	s := l.slot(name)
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s <- struct{}{}:
		return &memoryLease{slot: s}, nil
	case <-t.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryLease struct {
	slot chan struct{}
	once sync.Once
}

func (l *memoryLease) Release() {
	l.once.Do(func() { <-l.slot })
}

func (l *memoryLease) Lost() <-chan struct{} { return nil }
