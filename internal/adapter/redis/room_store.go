package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/skill-collectors/guesstimator/internal/domain"
	"github.com/skill-collectors/guesstimator/internal/platform/batch"
	"github.com/skill-collectors/guesstimator/internal/platform/keygen"
)

const maxKeyAttempts = 3

type StoreConfig struct {
	// PageSize is the COUNT hint of HSCAN and SCAN.
	PageSize int
	// BatchSize is the number of writes sent per pipeline.
	BatchSize int
}

type RoomStore struct {
	rdb   *goredis.Client
	clock clockwork.Clock
	keys  keygen.Generator
	cfg   StoreConfig
}

var _ domain.RoomStore = (*RoomStore)(nil)

func NewRoomStore(rdb *goredis.Client, clock clockwork.Clock, keys keygen.Generator, cfg StoreConfig) *RoomStore {
	if cfg.PageSize < 1 {
		cfg.PageSize = 100
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 25
	}
	return &RoomStore{rdb: rdb, clock: clock, keys: keys, cfg: cfg}
}

func (s *RoomStore) now() string {
	return formatTime(s.clock.Now())
}

// --- Rooms ---

func (s *RoomStore) CreateRoom(ctx context.Context) (*domain.RoomCredentials, error) {
	now := s.now()
	for range maxKeyAttempts {
		creds := &domain.RoomCredentials{RoomID: s.keys.RoomID(), HostKey: s.keys.HostKey()}
		row, err := json.Marshal(roomRow{
			HostKey:    creds.HostKey,
			ValidSizes: domain.FormatSizes(domain.DefaultValidSizes),
			CreatedOn:  now,
			UpdatedOn:  now,
		})
		if err != nil {
			return nil, fmt.Errorf("encode room: %w", err)
		}

		created, err := s.rdb.HSetNX(ctx, roomKey(creds.RoomID), domain.RoomSortKey, row).Result()
		if err != nil {
			return nil, fmt.Errorf("create room: %w", err)
		}
		if created {
			return creds, nil
		}
		slog.WarnContext(ctx, "Room id collision, retrying", "room_id", creds.RoomID)
	}
	return nil, fmt.Errorf("create room: no free room id after %d attempts", maxKeyAttempts)
}

func (s *RoomStore) GetRoom(ctx context.Context, roomID string) (*domain.RoomAggregate, error) {
	fields, err := s.readFields(ctx, roomKey(roomID))
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	return decodeAggregate(roomID, fields)
}

func (s *RoomStore) GetRoomMetadata(ctx context.Context, roomID string) (*domain.Room, error) {
	raw, err := s.rdb.HGet(ctx, roomKey(roomID), domain.RoomSortKey).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room metadata %s: %w", roomID, err)
	}
	return decodeRoom(roomID, raw)
}

func (s *RoomStore) SetCardsRevealed(ctx context.Context, roomID string, revealed bool) error {
	err := s.patch(ctx, roomID, rowPatch{
		field: domain.RoomSortKey,
		set:   map[string]any{attrIsRevealed: revealed},
	})
	if errors.Is(err, errRowMissing) {
		return domain.ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("set cards revealed: %w", err)
	}
	if revealed {
		return nil
	}

	agg, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	w := batch.NewWriter(s.cfg.BatchSize, s.flushPatches(roomID))
	for _, u := range agg.Users {
		if !u.HasVote() {
			continue
		}
		if err := w.Add(ctx, rowPatch{field: domain.UserSortKey(u.UserKey), set: map[string]any{attrVote: ""}}); err != nil {
			return fmt.Errorf("clear votes: %w", err)
		}
	}
	if err := w.Flush(ctx); err != nil {
		return fmt.Errorf("clear votes: %w", err)
	}
	return nil
}

func (s *RoomStore) SetValidSizes(ctx context.Context, roomID string, sizes []string) error {
	err := s.patch(ctx, roomID, rowPatch{
		field: domain.RoomSortKey,
		set:   map[string]any{attrValidSizes: domain.FormatSizes(sizes)},
	})
	if errors.Is(err, errRowMissing) {
		return domain.ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("set valid sizes: %w", err)
	}
	return nil
}

func (s *RoomStore) DeleteRoom(ctx context.Context, roomID string) error {
	key := roomKey(roomID)
	w := batch.NewWriter(s.cfg.BatchSize, func(ctx context.Context, fields []string) error {
		return s.rdb.HDel(ctx, key, fields...).Err()
	})

	err := batch.Each(ctx, uint64(0), s.fieldPages(key), func(ctx context.Context, kv fieldValue) error {
		return w.Add(ctx, kv.field)
	})
	if err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	if err := w.Flush(ctx); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}

// --- Users ---

func (s *RoomStore) GetUser(ctx context.Context, roomID, userKey string) (*domain.User, error) {
	raw, err := s.rdb.HGet(ctx, roomKey(roomID), domain.UserSortKey(userKey)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return decodeUser(userKey, raw)
}

func (s *RoomStore) Subscribe(ctx context.Context, roomID, connectionID, userKey string) (*domain.Subscription, error) {
	if userKey != "" {
		raw, err := s.patchRow(ctx, roomID, rowPatch{
			field: domain.UserSortKey(userKey),
			set:   map[string]any{attrConnectionID: connectionID},
		})
		switch {
		case err == nil:
			user, err := decodeUser(userKey, raw)
			if err != nil {
				return nil, err
			}
			return &domain.Subscription{UserKey: userKey, UserID: user.UserID}, nil
		case !errors.Is(err, errRowMissing):
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		slog.DebugContext(ctx, "Stale user key, minting a new user", "room_id", roomID)
	}

	now := s.now()
	for range maxKeyAttempts {
		sub := &domain.Subscription{UserKey: s.keys.UserKey(), UserID: s.keys.UserID()}
		row, err := json.Marshal(userRow{UserID: sub.UserID, ConnectionID: connectionID, CreatedOn: now, UpdatedOn: now})
		if err != nil {
			return nil, fmt.Errorf("encode user: %w", err)
		}

		res, err := insertUserScript.Run(ctx, s.rdb, []string{roomKey(roomID)}, domain.UserSortKey(sub.UserKey), row, now).Int()
		if err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		switch res {
		case 1:
			return sub, nil
		case -1:
			return nil, domain.ErrRoomNotFound
		}
	}
	return nil, fmt.Errorf("subscribe: no free user key after %d attempts", maxKeyAttempts)
}

func (s *RoomStore) Join(ctx context.Context, roomID, userKey, username string) error {
	return s.patchUser(ctx, roomID, userKey, map[string]any{attrUsername: username})
}

func (s *RoomStore) Vote(ctx context.Context, roomID, userKey, vote string) error {
	return s.patchUser(ctx, roomID, userKey, map[string]any{attrVote: vote})
}

func (s *RoomStore) Leave(ctx context.Context, roomID, userKey string) error {
	return s.patchUser(ctx, roomID, userKey, map[string]any{attrUsername: "", attrVote: ""})
}

func (s *RoomStore) Reconnect(ctx context.Context, roomID, userKey, connectionID string) error {
	return s.patchUser(ctx, roomID, userKey, map[string]any{
		attrUsername:     "",
		attrVote:         "",
		attrConnectionID: connectionID,
	})
}

func (s *RoomStore) KickUser(ctx context.Context, roomID, userKey string) error {
	err := s.patch(ctx, roomID, rowPatch{
		field:  domain.UserSortKey(userKey),
		set:    map[string]any{attrUsername: "", attrVote: ""},
		remove: []string{attrConnectionID},
	})
	return userErr(err, "kick user")
}

func (s *RoomStore) DeleteUser(ctx context.Context, roomID, userKey string) (*domain.User, error) {
	key := roomKey(roomID)
	field := domain.UserSortKey(userKey)

	var get *goredis.StringCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		get = pipe.HGet(ctx, key, field)
		pipe.HDel(ctx, key, field)
		return nil
	})
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete user: %w", err)
	}
	return decodeUser(userKey, get.Val())
}

// --- Sweeps ---

func (s *RoomStore) DeleteStaleRooms(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.eachRoom(ctx, func(ctx context.Context, roomID string) error {
		room, err := s.GetRoomMetadata(ctx, roomID)
		if errors.Is(err, domain.ErrRoomNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !room.UpdatedOn.Before(cutoff) {
			return nil
		}
		if err := s.DeleteRoom(ctx, roomID); err != nil {
			return err
		}
		deleted++
		return nil
	})
	return deleted, err
}

func (s *RoomStore) DeleteStaleUsers(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.eachRoom(ctx, func(ctx context.Context, roomID string) error {
		key := roomKey(roomID)
		w := batch.NewWriter(s.cfg.BatchSize, func(ctx context.Context, chunk []fieldValue) error {
			n, err := s.deleteUnchanged(ctx, key, chunk)
			deleted += n
			return err
		})

		err := batch.Each(ctx, uint64(0), s.fieldPages(key), func(ctx context.Context, kv fieldValue) error {
			userKey, ok := domain.UserKeyFromSortKey(kv.field)
			if !ok {
				return nil
			}
			user, err := decodeUser(userKey, kv.value)
			if err != nil {
				return err
			}
			if !user.UpdatedOn.Before(cutoff) {
				return nil
			}
			return w.Add(ctx, fieldValue{field: kv.field, value: formatTime(user.UpdatedOn)})
		})
		if err != nil {
			return err
		}
		return w.Flush(ctx)
	})
	return deleted, err
}

func (s *RoomStore) ResetInactiveRooms(ctx context.Context, cutoff time.Time) (int, error) {
	reset := 0
	err := s.eachRoom(ctx, func(ctx context.Context, roomID string) error {
		room, err := s.GetRoomMetadata(ctx, roomID)
		if errors.Is(err, domain.ErrRoomNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !room.IsRevealed || !room.UpdatedOn.Before(cutoff) {
			return nil
		}
		err = s.SetCardsRevealed(ctx, roomID, false)
		if errors.Is(err, domain.ErrRoomNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		reset++
		return nil
	})
	return reset, err
}

// --- helpers ---

var errRowMissing = errors.New("row missing")

type fieldValue struct {
	field string
	value string
}

func (s *RoomStore) patchUser(ctx context.Context, roomID, userKey string, set map[string]any) error {
	err := s.patch(ctx, roomID, rowPatch{field: domain.UserSortKey(userKey), set: set})
	return userErr(err, "update user")
}

func userErr(err error, op string) error {
	if errors.Is(err, errRowMissing) {
		return domain.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *RoomStore) patch(ctx context.Context, roomID string, p rowPatch) error {
	_, err := s.patchRow(ctx, roomID, p)
	return err
}

func (s *RoomStore) patchRow(ctx context.Context, roomID string, p rowPatch) (string, error) {
	args, err := s.patchArgs(p)
	if err != nil {
		return "", err
	}
	raw, err := patchRowScript.Run(ctx, s.rdb, []string{roomKey(roomID)}, args...).Text()
	if errors.Is(err, goredis.Nil) {
		return "", errRowMissing
	}
	if err != nil {
		return "", err
	}
	return raw, nil
}

func (s *RoomStore) patchArgs(p rowPatch) ([]any, error) {
	set, err := json.Marshal(p.set)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	args := []any{p.field, string(set), s.now()}
	for _, attr := range p.remove {
		args = append(args, attr)
	}
	return args, nil
}

// flushPatches sends a chunk of patches for one room as a single pipeline.
// Rows deleted since they were read are skipped, not recreated.
func (s *RoomStore) flushPatches(roomID string) batch.FlushFunc[rowPatch] {
	keys := []string{roomKey(roomID)}
	return func(ctx context.Context, chunk []rowPatch) error {
		pipe := s.rdb.Pipeline()
		for _, p := range chunk {
			args, err := s.patchArgs(p)
			if err != nil {
				return err
			}
			patchRowScript.Eval(ctx, pipe, keys, args...)
		}
		// Exec reports only the first failed command, which may be a skipped row.
		cmds, err := pipe.Exec(ctx)
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("patch pipeline: %w", err)
		}
		for i, cmd := range cmds {
			if err := cmd.Err(); err != nil && !errors.Is(err, goredis.Nil) {
				return fmt.Errorf("patch %s: %w", chunk[i].field, err)
			}
		}
		return nil
	}
}

func (s *RoomStore) deleteUnchanged(ctx context.Context, key string, chunk []fieldValue) (int, error) {
	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.Cmd, 0, len(chunk))
	for _, kv := range chunk {
		cmds = append(cmds, deleteIfUnchangedScript.Eval(ctx, pipe, []string{key}, kv.field, kv.value))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete pipeline: %w", err)
	}

	deleted := 0
	for _, cmd := range cmds {
		if n, _ := cmd.Int(); n > 0 {
			deleted++
		}
	}
	return deleted, nil
}

// readFields returns every field of a room hash. HSCAN may repeat fields
// across pages; later values win.
func (s *RoomStore) readFields(ctx context.Context, key string) (map[string]string, error) {
	fields := make(map[string]string)
	err := batch.Each(ctx, uint64(0), s.fieldPages(key), func(_ context.Context, kv fieldValue) error {
		fields[kv.field] = kv.value
		return nil
	})
	return fields, err
}

func (s *RoomStore) fieldPages(key string) batch.FetchFunc[fieldValue, uint64] {
	return func(ctx context.Context, cursor uint64) (batch.Page[fieldValue, uint64], error) {
		kvs, next, err := s.rdb.HScan(ctx, key, cursor, "*", int64(s.cfg.PageSize)).Result()
		if err != nil {
			return batch.Page[fieldValue, uint64]{}, fmt.Errorf("hscan %s: %w", key, err)
		}
		items := make([]fieldValue, 0, len(kvs)/2)
		for i := 0; i+1 < len(kvs); i += 2 {
			items = append(items, fieldValue{field: kvs[i], value: kvs[i+1]})
		}
		return batch.Page[fieldValue, uint64]{Items: items, Next: next, Done: next == 0}, nil
	}
}

func (s *RoomStore) roomPages() batch.FetchFunc[string, uint64] {
	return func(ctx context.Context, cursor uint64) (batch.Page[string, uint64], error) {
		keys, next, err := s.rdb.Scan(ctx, cursor, roomKeyMatch, int64(s.cfg.PageSize)).Result()
		if err != nil {
			return batch.Page[string, uint64]{}, fmt.Errorf("scan rooms: %w", err)
		}
		return batch.Page[string, uint64]{Items: keys, Next: next, Done: next == 0}, nil
	}
}

// eachRoom visits every room hash once. SCAN may return a key more than once.
func (s *RoomStore) eachRoom(ctx context.Context, fn func(ctx context.Context, roomID string) error) error {
	seen := make(map[string]struct{})
	return batch.Each(ctx, uint64(0), s.roomPages(), func(ctx context.Context, key string) error {
		roomID, ok := roomIDFromKey(key)
		if !ok {
			return nil
		}
		if _, dup := seen[roomID]; dup {
			return nil
		}
		seen[roomID] = struct{}{}
		return fn(ctx, roomID)
	})
}
