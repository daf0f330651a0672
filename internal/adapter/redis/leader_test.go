package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLockRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestLocker_SingleHolder(t *testing.T) {
	mr, rdb := newLockRedis(t)
	ctx := context.Background()

	first := NewLocker(rdb, "instance-1")
	second := NewLocker(rdb, "instance-2")

	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := mr.Get(sweepLockKey)
	require.NoError(t, err)
	assert.Equal(t, "instance-1", holder)
	assert.Equal(t, sweepLockTTL, mr.TTL(sweepLockKey))
}

func TestLocker_ExpiresAfterTTL(t *testing.T) {
	mr, rdb := newLockRedis(t)
	ctx := context.Background()

	ok, err := NewLocker(rdb, "instance-1").TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(sweepLockTTL + time.Second)

	ok, err = NewLocker(rdb, "instance-2").TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocker_Renew(t *testing.T) {
	mr, rdb := newLockRedis(t)
	ctx := context.Background()
	l := NewLocker(rdb, "instance-1")

	ok, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(time.Minute)
	require.NoError(t, l.Renew(ctx))
	assert.Equal(t, sweepLockTTL, mr.TTL(sweepLockKey))

	require.NoError(t, mr.Set(sweepLockKey, "instance-2"))
	assert.ErrorContains(t, l.Renew(ctx), "sweep lock held by instance-2")

	mr.Del(sweepLockKey)
	assert.ErrorContains(t, l.Renew(ctx), "sweep lock lost")
}

func TestLocker_ReleaseOnlyOwnLock(t *testing.T) {
	mr, rdb := newLockRedis(t)
	ctx := context.Background()

	owner := NewLocker(rdb, "instance-1")
	other := NewLocker(rdb, "instance-2")

	ok, err := owner.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, other.Release(ctx))
	assert.True(t, mr.Exists(sweepLockKey), "foreign release must be a no-op")

	require.NoError(t, owner.Release(ctx))
	assert.False(t, mr.Exists(sweepLockKey))
}
