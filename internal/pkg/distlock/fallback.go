package distlock

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/drip-engine/internal/pkg/logger"
)

var log = logger.New("distlock")

// defaultCooldown is how long the fallback stays in charge after the
// primary backend errored.
const defaultCooldown = 10 * time.Second

// FallbackLocker hands out locks from primary and switches to secondary when
// primary errors, for example while Redis is unreachable. After a failure
// the primary is skipped for the cooldown so callers do not wait on a dead
// connection for every key.
type FallbackLocker struct {
	primary   Locker
	secondary Locker
	cooldown  time.Duration

	mu        sync.Mutex
	downUntil time.Time
	now       func() time.Time
}

// NewFallbackLocker creates a locker that prefers primary.
func NewFallbackLocker(primary, secondary Locker, cooldown time.Duration) *FallbackLocker {
	return &FallbackLocker{primary: primary, secondary: secondary, cooldown: cooldown, now: time.Now}
}

// NewLock implements Locker.
func (f *FallbackLocker) NewLock(key string) DistLock {
	return &fallbackLock{parent: f, key: key}
}

func (f *FallbackLocker) primaryDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now().Before(f.downUntil)
}

func (f *FallbackLocker) markDown() {
	f.mu.Lock()
	f.downUntil = f.now().Add(f.cooldown)
	f.mu.Unlock()
}

type fallbackLock struct {
	parent *FallbackLocker
	key    string
	held   DistLock
}

func (l *fallbackLock) Acquire(ctx context.Context) (bool, error) {
	if !l.parent.primaryDown() {
		lock := l.parent.primary.NewLock(l.key)
		ok, err := lock.Acquire(ctx)
		if err == nil {
			if ok {
				l.held = lock
			}
			return ok, nil
		}
		log.Warn("primary lock backend unavailable, using fallback", "key", l.key, "error", err)
		l.parent.markDown()
	}

	lock := l.parent.secondary.NewLock(l.key)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		l.held = lock
	}
	return ok, nil
}

func (l *fallbackLock) Release(ctx context.Context) error {
	if l.held == nil {
		return nil
	}
	err := l.held.Release(ctx)
	l.held = nil
	return err
}
