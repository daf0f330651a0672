package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skill-collectors/guesstimator/internal/domain"
	"github.com/skill-collectors/guesstimator/internal/platform/keygen"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// seqKeys hands out keys from fixed lists, then falls back to random keys.
type seqKeys struct {
	rooms    []string
	userKeys []string
}

func (k *seqKeys) RoomID() string {
	if len(k.rooms) == 0 {
		return keygen.Generate(keygen.RoomIDLength)
	}
	id := k.rooms[0]
	k.rooms = k.rooms[1:]
	return id
}

func (k *seqKeys) HostKey() string { return keygen.Generate(keygen.HostKeyLength) }
func (k *seqKeys) UserID() string  { return keygen.Generate(keygen.UserIDLength) }

func (k *seqKeys) UserKey() string {
	if len(k.userKeys) == 0 {
		return keygen.Generate(keygen.UserKeyLength)
	}
	key := k.userKeys[0]
	k.userKeys = k.userKeys[1:]
	return key
}

type storeFixture struct {
	mr    *miniredis.Miniredis
	rdb   *goredis.Client
	clock *clockwork.FakeClock
	store *RoomStore
}

func newFixture(t *testing.T, keys keygen.Generator) *storeFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if keys == nil {
		keys = keygen.Random{}
	}
	clock := clockwork.NewFakeClockAt(epoch)
	// Small pages and batches so paging and chunking run even for tiny rooms.
	store := NewRoomStore(rdb, clock, keys, StoreConfig{PageSize: 2, BatchSize: 2})
	return &storeFixture{mr: mr, rdb: rdb, clock: clock, store: store}
}

func (f *storeFixture) createRoom(t *testing.T) string {
	t.Helper()
	creds, err := f.store.CreateRoom(context.Background())
	require.NoError(t, err)
	return creds.RoomID
}

func (f *storeFixture) subscribe(t *testing.T, roomID, connID string) *domain.Subscription {
	t.Helper()
	sub, err := f.store.Subscribe(context.Background(), roomID, connID, "")
	require.NoError(t, err)
	return sub
}

func TestCreateRoom_Defaults(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	creds, err := f.store.CreateRoom(ctx)
	require.NoError(t, err)
	assert.Len(t, creds.RoomID, keygen.RoomIDLength)
	assert.Len(t, creds.HostKey, keygen.HostKeyLength)

	agg, err := f.store.GetRoom(ctx, creds.RoomID)
	require.NoError(t, err)
	assert.Equal(t, creds.HostKey, agg.Room.HostKey)
	assert.Equal(t, domain.DefaultValidSizes, agg.Room.ValidSizes)
	assert.False(t, agg.Room.IsRevealed)
	assert.Equal(t, epoch, agg.Room.CreatedOn)
	assert.Equal(t, epoch, agg.Room.UpdatedOn)
	assert.Empty(t, agg.Users)
}

func TestCreateRoom_RetriesOnCollision(t *testing.T) {
	f := newFixture(t, &seqKeys{rooms: []string{"AAAAAA", "AAAAAA", "BBBBBB"}})
	ctx := context.Background()

	first, err := f.store.CreateRoom(ctx)
	require.NoError(t, err)
	second, err := f.store.CreateRoom(ctx)
	require.NoError(t, err)

	assert.Equal(t, "AAAAAA", first.RoomID)
	assert.Equal(t, "BBBBBB", second.RoomID)
}

func TestCreateRoom_GivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newFixture(t, &seqKeys{rooms: []string{"AAAAAA", "AAAAAA", "AAAAAA", "AAAAAA"}})
	ctx := context.Background()

	_, err := f.store.CreateRoom(ctx)
	require.NoError(t, err)
	_, err = f.store.CreateRoom(ctx)
	assert.ErrorContains(t, err, "no free room id")
}

func TestGetRoom_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.GetRoom(ctx, "NOPE22")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	_, err = f.store.GetRoomMetadata(ctx, "NOPE22")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestSubscribe_NewUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	roomID := f.createRoom(t)

	f.clock.Advance(time.Minute)
	sub := f.subscribe(t, roomID, "conn-1")
	assert.Len(t, sub.UserKey, keygen.UserKeyLength)
	assert.Len(t, sub.UserID, keygen.UserIDLength)

	agg, err := f.store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, agg.Users, 1)
	u := agg.Users[0]
	assert.Equal(t, sub.UserKey, u.UserKey)
	assert.Equal(t, sub.UserID, u.UserID)
	assert.Equal(t, "conn-1", u.ConnectionID)
	assert.Empty(t, u.Username)
	assert.Empty(t, u.Vote)
	assert.Equal(t, epoch.Add(time.Minute), agg.Room.UpdatedOn, "room must be touched")
}

func TestSubscribe_KnownUserKeyRebinds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	roomID := f.createRoom(t)
	first := f.subscribe(t, roomID, "conn-1")
	require.NoError(t, f.store.Join(ctx, roomID, first.UserKey, "ada"))

	again, err := f.store.Subscribe(ctx, roomID, "conn-2", first.UserKey)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	u, err := f.store.GetUser(ctx, roomID, first.UserKey)
	require.NoError(t, err)
	assert.Equal(t, "conn-2", u.ConnectionID)
	assert.Equal(t, "ada", u.Username)
}

func TestSubscribe_UnknownUserKeyMintsNewUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	roomID := f.createRoom(t)

	sub, err := f.store.Subscribe(ctx, roomID, "conn-1", "GONEGONE")
	require.NoError(t, err)
	assert.NotEqual(t, "GONEGONE", sub.UserKey)

	exists, err := f.rdb.HExists(ctx, roomKey(roomID), domain.UserSortKey("GONEGONE")).Result()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSubscribe_RetriesOnUserKeyCollision(t *testing.T) {
	f := newFixture(t, &seqKeys{userKeys: []string{"KEYAAAAA", "KEYAAAAA", "KEYBBBBB"}})
	roomID := f.createRoom(t)

	assert.Equal(t, "KEYAAAAA", f.subscribe(t, roomID, "conn-1").UserKey)
	assert.Equal(t, "KEYBBBBB", f.subscribe(t, roomID, "conn-2").UserKey)
}

func TestSubscribe_MissingRoom(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.store.Subscribe(context.Background(), "NOPE22", "conn-1", "")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestUserMutations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	roomID := f.createRoom(t)
	sub := f.subscribe(t, roomID, "conn-1")

	require.NoError(t, f.store.Join(ctx, roomID, sub.UserKey, "grace"))
	require.NoError(t, f.store.Vote(ctx, roomID, sub.UserKey, "5"))

	u, err := f.store.GetUser(ctx, roomID, sub.UserKey)
	require.NoError(t, err)
	assert.Equal(t, "grace", u.Username)
	assert.Equal(t, "5", u.Vote)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.store.Leave(ctx, roomID, sub.UserKey))

	u, err = f.store.GetUser(ctx, roomID, sub.UserKey)
	require.NoError(t, err)
	assert.Empty(t, u.Username)
	assert.Empty(t, u.Vote)
	assert.Equal(t, "conn-1", u.ConnectionID, "leave keeps the connection binding")
	assert.Equal(t, epoch.Add(time.Hour), u.UpdatedOn)

	room, err := f.store.GetRoomMetadata(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Hour), room.UpdatedOn)
}

func TestReconnect_ClearsIdentityAndRebinds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	roomID := f.createRoom(t)
	sub := f.subscribe(t, roomID, "conn-1")
	require.NoError(t, f.store.Join(ctx, roomID, sub.UserKey, "grace"))
	require.NoError(t, f.store.Vote(ctx, roomID, sub.UserKey, "8"))

	require.NoError(t, f.store.Reconnect(ctx, roomID, sub.UserKey, "conn-9"))

	u, err := f.store.GetUser(ctx, roomID, sub.UserKey)
	require.NoError(t, err)
	assert.Empty(t, u.Username)
	assert.Empty(t, u.Vote)
	assert.Equal(t, "conn-9", u.ConnectionID)
}

func TestKickUser_DropsConnection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	roomID := f.createRoom(t)
	sub := f.subscribe(t, roomID, "conn-1")
	require.NoError(t, f.store.Join(ctx, roomID, sub.UserKey, "grace"))

	require.NoError(t, f.store.KickUser(ctx, roomID, sub.UserKey))

	u, err := f.store.GetUser(ctx, roomID, sub.UserKey)
	require.NoError(t, err)
	assert.Empty(t, u.Username)
	assert.False(t, u.IsConnected())
}

func TestUserMutations_NeverResurrectDeletedRows(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	roomID := f.createRoom(t)

	mutations := map[string]func() error{
		"join":      func() error { return f.store.Join(ctx, roomID, "GHOSTKEY", "x") },
		"vote":      func() error { return f.store.Vote(ctx, roomID, "GHOSTKEY", "3") },
		"leave":     func() error { return f.store.Leave(ctx, roomID, "GHOSTKEY") },
		"reconnect": func() error { return f.store.Reconnect(ctx, roomID, "GHOSTKEY", "c") },
		"kick":      func() error { return f.store.KickUser(ctx, roomID, "GHOSTKEY") },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, mutate(), domain.ErrUserNotFound)
			exists, err := f.rdb.HExists(ctx, roomKey(roomID), domain.UserSortKey("GHOSTKEY")).Result()
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestFlushPatches_ReportsFailureAfterSkippedRow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	roomID := f.createRoom(t)
	sub := f.subscribe(t, roomID, "conn-1")
	// A row that no longer decodes makes its patch fail inside the script.
	require.NoError(t, f.rdb.HSet(ctx, roomKey(roomID), domain.UserSortKey("BROKEN"), "not json").Err())

	flush := f.store.flushPatches(roomID)
	err := flush(ctx, []rowPatch{
		{field: domain.UserSortKey("GHOSTKEY"), set: map[string]any{attrVote: ""}},
		{field: domain.UserSortKey("BROKEN"), set: map[string]any{attrVote: ""}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), domain.UserSortKey("BROKEN"))

	err = flush(ctx, []rowPatch{
		{field: domain.UserSortKey("GHOSTKEY"), set: map[string]any{attrVote: ""}},
		{field: domain.UserSortKey(sub.UserKey), set: map[string]any{attrVote: "5"}},
	})
	require.NoError(t, err, "missing rows alone are skipped")
	user, err := f.store.GetUser(ctx, roomID, sub.UserKey)
	require.NoError(t, err)
	assert.Equal(t, "5", user.Vote)
}

func TestDeleteUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	roomID := f.createRoom(t)
	sub := f.subscribe(t, roomID, "conn-1")

	u, err := f.store.DeleteUser(ctx, roomID, sub.UserKey)
	require.NoError(t, err)
	assert.Equal(t, sub.UserID, u.UserID)
	assert.Equal(t, "conn-1", u.ConnectionID)

	_, err = f.store.DeleteUser(ctx, roomID, sub.UserKey)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	_, err = f.store.GetUser(ctx, roomID, sub.UserKey)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestSetCardsRevealed_HideClearsEveryVote(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	roomID := f.createRoom(t)

	for i := range 5 {
		sub := f.subscribe(t, roomID, fmt.Sprintf("conn-%d", i))
		if i != 2 {
			require.NoError(t, f.store.Vote(ctx, roomID, sub.UserKey, "3"))
		}
	}

	require.NoError(t, f.store.SetCardsRevealed(ctx, roomID, true))
	agg, err := f.store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, agg.Room.IsRevealed)

	require.NoError(t, f.store.SetCardsRevealed(ctx, roomID, false))
	agg, err = f.store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.False(t, agg.Room.IsRevealed)
	require.Len(t, agg.Users, 5)
	for _, u := range agg.Users {
		assert.Empty(t, u.Vote, "user %s", u.UserKey)
	}
}

func TestSetCardsRevealed_MissingRoom(t *testing.T) {
	f := newFixture(t, nil)

	err := f.store.SetCardsRevealed(context.Background(), "NOPE22", true)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestSetValidSizes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	roomID := f.createRoom(t)

	require.NoError(t, f.store.SetValidSizes(ctx, roomID, []string{"S", "M", "L"}))

	room, err := f.store.GetRoomMetadata(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"S", "M", "L"}, room.ValidSizes)

	assert.ErrorIs(t, f.store.SetValidSizes(ctx, "NOPE22", []string{"S"}), domain.ErrRoomNotFound)
}

func TestDeleteRoom_RemovesEveryRow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	roomID := f.createRoom(t)
	for i := range 5 {
		f.subscribe(t, roomID, fmt.Sprintf("conn-%d", i))
	}

	require.NoError(t, f.store.DeleteRoom(ctx, roomID))

	assert.False(t, f.mr.Exists(roomKey(roomID)))
	_, err := f.store.GetRoom(ctx, roomID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestDeleteStaleRooms(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	stale := f.createRoom(t)
	f.subscribe(t, stale, "conn-1")

	f.clock.Advance(48 * time.Hour)
	fresh := f.createRoom(t)

	n, err := f.store.DeleteStaleRooms(ctx, epoch.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.GetRoom(ctx, stale)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	_, err = f.store.GetRoom(ctx, fresh)
	assert.NoError(t, err)

	n, err = f.store.DeleteStaleRooms(ctx, epoch.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "second pass is a no-op")
}

func TestDeleteStaleUsers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	roomID := f.createRoom(t)
	old1 := f.subscribe(t, roomID, "conn-1")
	old2 := f.subscribe(t, roomID, "conn-2")
	old3 := f.subscribe(t, roomID, "conn-3")

	f.clock.Advance(48 * time.Hour)
	fresh := f.subscribe(t, roomID, "conn-4")
	require.NoError(t, f.store.Join(ctx, roomID, old3.UserKey, "active"))

	n, err := f.store.DeleteStaleUsers(ctx, epoch.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, gone := range []string{old1.UserKey, old2.UserKey} {
		_, err := f.store.GetUser(ctx, roomID, gone)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	}
	for _, kept := range []string{old3.UserKey, fresh.UserKey} {
		_, err := f.store.GetUser(ctx, roomID, kept)
		assert.NoError(t, err)
	}
	_, err = f.store.GetRoomMetadata(ctx, roomID)
	assert.NoError(t, err, "room row is never a user")
}

func TestDeleteIfUnchanged_SkipsTouchedRows(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	roomID := f.createRoom(t)
	sub := f.subscribe(t, roomID, "conn-1")
	observed := formatTime(epoch)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.store.Join(ctx, roomID, sub.UserKey, "late"))

	n, err := f.store.deleteUnchanged(ctx, roomKey(roomID), []fieldValue{{field: domain.UserSortKey(sub.UserKey), value: observed}})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResetInactiveRooms(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	revealed := f.createRoom(t)
	sub := f.subscribe(t, revealed, "conn-1")
	require.NoError(t, f.store.Vote(ctx, revealed, sub.UserKey, "13"))
	require.NoError(t, f.store.SetCardsRevealed(ctx, revealed, true))
	hidden := f.createRoom(t)

	f.clock.Advance(48 * time.Hour)
	recent := f.createRoom(t)
	require.NoError(t, f.store.SetCardsRevealed(ctx, recent, true))

	n, err := f.store.ResetInactiveRooms(ctx, epoch.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	agg, err := f.store.GetRoom(ctx, revealed)
	require.NoError(t, err)
	assert.False(t, agg.Room.IsRevealed)
	assert.Empty(t, agg.Users[0].Vote)

	for _, id := range []string{hidden, recent} {
		room, err := f.store.GetRoomMetadata(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id == recent, room.IsRevealed)
	}
}

func TestSweeps_StopOnCancelledContext(t *testing.T) {
	f := newFixture(t, nil)
	f.createRoom(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.store.DeleteStaleRooms(ctx, epoch.Add(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
}
