package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by WithLock when another holder owns the key.
var ErrNotAcquired = errors.New("lock held by another owner")

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Locker hands out locks by key. One Locker is shared by a process.
type Locker interface {
	NewLock(key string) DistLock
}

// NewLocker picks the best available backend.
// If redisClient is non-nil, uses Redis (preferred for cross-host locking)
// and degrades to the next backend while Redis cannot be reached.
// Otherwise falls back to PostgreSQL advisory locks, and to an in-process
// locker when neither is configured.
func NewLocker(redisClient *redis.Client, db *sql.DB, ttl time.Duration) Locker {
	var secondary Locker
	if db != nil {
		secondary = &PGLocker{db: db}
	} else {
		secondary = NewLocalLocker()
	}
	if redisClient == nil {
		return secondary
	}
	return NewFallbackLocker(&RedisLocker{client: redisClient, ttl: ttl}, secondary, defaultCooldown)
}

// WithLock runs fn while holding key. It returns ErrNotAcquired without
// calling fn if the key is already held.
func WithLock(ctx context.Context, l Locker, key string, fn func() error) error {
	lock := l.NewLock(key)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		// Release on a fresh context so a cancelled caller still unlocks.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lock.Release(rctx)
	}()
	return fn()
}

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// Uses pg_try_advisory_lock / pg_advisory_unlock which are session-scoped, so
// the lock pins one pooled connection between Acquire and Release. The lock
// is released automatically if that connection drops.

// PGLocker creates advisory locks on a shared pool.
type PGLocker struct{ db *sql.DB }

// NewLock implements Locker.
func (p *PGLocker) NewLock(key string) DistLock { return NewPGAdvisoryLock(p.db, key) }

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release releases the advisory lock and returns the connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	l.conn.Close()
	l.conn = nil
	return err
}

// =============================================================================
// In-process lock (single binary, memory repositories, tests)
// =============================================================================

// LocalLocker serializes keys within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// NewLock implements Locker.
func (l *LocalLocker) NewLock(key string) DistLock { return &localLock{parent: l, key: key} }

type localLock struct {
	parent *LocalLocker
	key    string
	owned  bool
}

func (l *localLock) Acquire(context.Context) (bool, error) {
	l.parent.mu.Lock()
	defer l.parent.mu.Unlock()
	if _, busy := l.parent.held[l.key]; busy {
		return false, nil
	}
	l.parent.held[l.key] = struct{}{}
	l.owned = true
	return true, nil
}

func (l *localLock) Release(context.Context) error {
	if !l.owned {
		return nil
	}
	l.parent.mu.Lock()
	delete(l.parent.held, l.key)
	l.parent.mu.Unlock()
	l.owned = false
	return nil
}
