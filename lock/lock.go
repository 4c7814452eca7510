/*
Package lock provides the per-obligation exclusive lock.

PURPOSE:
  An obligation must never execute concurrently with itself. Before any
  evaluation the orchestrator takes a lock keyed by obligation id and
  holds it until the log entry and the progress update are written.

NON-BLOCKING:
  TryLock never waits. A held lock returns generic.ErrLockHeld and the
  sweep simply moves on; the obligation is still pending next sweep.

IMPLEMENTATIONS:
  - Memory: single process (tests, single-instance deployments)
  - Redis:  SET NX PX with a compare-and-delete release, for several
            engine instances sharing one schedule store

EXPIRY:
  Leases expire after a TTL so a crashed holder cannot block an
  obligation forever. The TTL must exceed the longest execution
  (ledger timeout times the number of sources).
*/
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/obligation-engine/generic"
)

// Locker hands out exclusive leases.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Release is safe to call more than once and never
// releases a lock that has since been taken by someone else.
type Lease interface {
	Release(ctx context.Context) error
}

// =============================================================================
// MEMORY LOCKER
// =============================================================================

type Memory struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryEntry), clock: time.Now}
}

func (m *Memory) TryLock(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if cur, ok := m.held[key]; ok && now.Before(cur.expires) {
		return nil, generic.ErrLockHeld
	}
	token := uuid.NewString()
	m.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{parent: m, key: key, token: token}, nil
}

type memoryLease struct {
	parent *Memory
	key    string
	token  string
}

func (l *memoryLease) Release(context.Context) error {
	l.parent.mu.Lock()
	defer l.parent.mu.Unlock()
	if cur, ok := l.parent.held[l.key]; ok && cur.token == l.token {
		delete(l.parent.held, l.key)
	}
	return nil
}
