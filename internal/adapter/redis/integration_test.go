package redis

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
	"github.com/skill-collectors/guesstimator/internal/domain"
	"github.com/skill-collectors/guesstimator/internal/platform/keygen"
)

var (
	testRedisURL   string
	redisContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	flag.Parse()

	// Unit tests run against miniredis; only the integration tests need a container.
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	redisContainer, err = redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	code := m.Run()
	if err := redisContainer.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
	}
	os.Exit(code)
}

func setupTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, testRedisURL, metrics.NewStoreMetrics(metrics.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, client.FlushAll(ctx).Err())

	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestIntegration_RoomLifecycle(t *testing.T) {
	rdb := setupTestClient(t)
	clock := clockwork.NewFakeClockAt(epoch)
	store := NewRoomStore(rdb, clock, keygen.Random{}, StoreConfig{PageSize: 10, BatchSize: 3})
	ctx := context.Background()

	creds, err := store.CreateRoom(ctx)
	require.NoError(t, err)

	var subs []*domain.Subscription
	for i := range 7 {
		sub, err := store.Subscribe(ctx, creds.RoomID, fmt.Sprintf("conn-%d", i), "")
		require.NoError(t, err)
		require.NoError(t, store.Join(ctx, creds.RoomID, sub.UserKey, fmt.Sprintf("user-%d", i)))
		require.NoError(t, store.Vote(ctx, creds.RoomID, sub.UserKey, "∞"))
		subs = append(subs, sub)
	}

	require.NoError(t, store.SetCardsRevealed(ctx, creds.RoomID, true))
	require.NoError(t, store.SetCardsRevealed(ctx, creds.RoomID, false))

	agg, err := store.GetRoom(ctx, creds.RoomID)
	require.NoError(t, err)
	require.Len(t, agg.Users, len(subs))
	for _, u := range agg.Users {
		assert.Empty(t, u.Vote)
		assert.NotEmpty(t, u.Username)
	}

	assert.ErrorIs(t, store.Vote(ctx, creds.RoomID, "GHOSTKEY", "1"), domain.ErrUserNotFound)

	require.NoError(t, store.DeleteRoom(ctx, creds.RoomID))
	exists, err := rdb.Exists(ctx, roomKey(creds.RoomID)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestIntegration_Locker(t *testing.T) {
	rdb := setupTestClient(t)
	ctx := context.Background()

	ok, err := NewLocker(rdb, "a").TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, NewLocker(rdb, "b").Release(ctx))
	require.NoError(t, NewLocker(rdb, "a").Release(ctx))

	ok, err = NewLocker(rdb, "b").TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
