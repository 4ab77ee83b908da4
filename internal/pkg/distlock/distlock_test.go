package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLockExclusive(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	locker := NewLocker(client, nil, 10*time.Second)

	a := locker.NewLock("enroll:c1:s1:a@example.com")
	b := locker.NewLock("enroll:c1:s1:a@example.com")

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	// b does not own the key, so its release is a no-op
	require.NoError(t, b.Release(ctx))
	assert.True(t, mr.Exists("lock:enroll:c1:s1:a@example.com"))

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpires(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	a := NewRedisLock(client, "k", time.Second)
	ok, _ := a.Acquire(ctx)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = NewRedisLock(client, "k", time.Second).Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	held := l.NewLock("k")
	ok, _ := held.Acquire(ctx)
	require.True(t, ok)

	called := false
	err := WithLock(ctx, l, "k", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.False(t, called)

	require.NoError(t, held.Release(ctx))

	boom := errors.New("boom")
	err = WithLock(ctx, l, "k", func() error { called = true; return boom })
	assert.ErrorIs(t, err, boom)
	assert.True(t, called)

	// released after fn returned
	ok, _ = l.NewLock("k").Acquire(ctx)
	assert.True(t, ok)
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	lock := NewLocker(nil, db, time.Minute).NewLock("k")
	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockerFallsBackWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	ctx := context.Background()
	locker := NewLocker(client, nil, 10*time.Second)

	a := locker.NewLock("deliver:c1:s1:a@example.com")
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "in-process fallback grants the lock")

	b := locker.NewLock("deliver:c1:s1:a@example.com")
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fallback still excludes a second holder")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx))
}

func TestFallbackLockerRetriesPrimaryAfterCooldown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFallbackLocker(&RedisLocker{client: client, ttl: time.Minute}, NewLocalLocker(), time.Minute)
	f.now = func() time.Time { return now }
	f.markDown()

	ctx := context.Background()
	lock := f.NewLock("k")
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, mr.Exists("lock:k"), "primary skipped during cooldown")
	require.NoError(t, lock.Release(ctx))

	now = now.Add(2 * time.Minute)
	lock = f.NewLock("k")
	ok, err = lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("lock:k"), "primary used again after cooldown")
	require.NoError(t, lock.Release(ctx))
	assert.False(t, mr.Exists("lock:k"))
}
