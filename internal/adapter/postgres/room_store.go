package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/skill-collectors/guesstimator/internal/domain"
	"github.com/skill-collectors/guesstimator/internal/platform/batch"
	"github.com/skill-collectors/guesstimator/internal/platform/keygen"
)

const maxKeyAttempts = 3

const itemColumns = `room_id, sort_key, host_key, valid_sizes, is_revealed, user_id,
	username, vote, connection_id, created_on, updated_on`

type itemRow struct {
	RoomID       string    `db:"room_id"`
	SortKey      string    `db:"sort_key"`
	HostKey      string    `db:"host_key"`
	ValidSizes   string    `db:"valid_sizes"`
	IsRevealed   bool      `db:"is_revealed"`
	UserID       string    `db:"user_id"`
	Username     string    `db:"username"`
	Vote         string    `db:"vote"`
	ConnectionID string    `db:"connection_id"`
	CreatedOn    time.Time `db:"created_on"`
	UpdatedOn    time.Time `db:"updated_on"`
}

func (r itemRow) room() *domain.Room {
	return &domain.Room{
		RoomID:     r.RoomID,
		HostKey:    r.HostKey,
		ValidSizes: domain.ParseSizes(r.ValidSizes),
		IsRevealed: r.IsRevealed,
		CreatedOn:  r.CreatedOn.UTC(),
		UpdatedOn:  r.UpdatedOn.UTC(),
	}
}

func (r itemRow) user(userKey string) *domain.User {
	return &domain.User{
		UserKey:      userKey,
		UserID:       r.UserID,
		Username:     r.Username,
		Vote:         r.Vote,
		ConnectionID: r.ConnectionID,
		CreatedOn:    r.CreatedOn.UTC(),
		UpdatedOn:    r.UpdatedOn.UTC(),
	}
}

type StoreConfig struct {
	PageSize  int
	BatchSize int
}

type RoomStore struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
	keys  keygen.Generator
	cfg   StoreConfig
}

var _ domain.RoomStore = (*RoomStore)(nil)

func NewRoomStore(pool *pgxpool.Pool, clock clockwork.Clock, keys keygen.Generator, cfg StoreConfig) *RoomStore {
	if cfg.PageSize < 1 {
		cfg.PageSize = 100
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 25
	}
	return &RoomStore{pool: pool, clock: clock, keys: keys, cfg: cfg}
}

func (s *RoomStore) now() time.Time {
	return s.clock.Now().UTC()
}

// --- Rooms ---

func (s *RoomStore) CreateRoom(ctx context.Context) (*domain.RoomCredentials, error) {
	now := s.now()
	sizes := domain.FormatSizes(domain.DefaultValidSizes)

	for range maxKeyAttempts {
		creds := &domain.RoomCredentials{RoomID: s.keys.RoomID(), HostKey: s.keys.HostKey()}
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO room_items (room_id, sort_key, host_key, valid_sizes, created_on, updated_on)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (room_id, sort_key) DO NOTHING`,
			creds.RoomID, domain.RoomSortKey, creds.HostKey, sizes, now)
		if err != nil {
			return nil, fmt.Errorf("create room: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return creds, nil
		}
		slog.WarnContext(ctx, "Room id collision, retrying", "room_id", creds.RoomID)
	}
	return nil, fmt.Errorf("create room: no free room id after %d attempts", maxKeyAttempts)
}

func (s *RoomStore) GetRoom(ctx context.Context, roomID string) (*domain.RoomAggregate, error) {
	var (
		agg   domain.RoomAggregate
		found bool
	)
	err := batch.Each(ctx, "", s.itemPages(roomID), func(_ context.Context, row itemRow) error {
		if row.SortKey == domain.RoomSortKey {
			agg.Room = *row.room()
			found = true
			return nil
		}
		if userKey, ok := domain.UserKeyFromSortKey(row.SortKey); ok {
			agg.Users = append(agg.Users, *row.user(userKey))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	if !found {
		return nil, domain.ErrRoomNotFound
	}
	return &agg, nil
}

func (s *RoomStore) GetRoomMetadata(ctx context.Context, roomID string) (*domain.Room, error) {
	row, err := s.getItem(ctx, roomID, domain.RoomSortKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room metadata %s: %w", roomID, err)
	}
	return row.room(), nil
}

func (s *RoomStore) SetCardsRevealed(ctx context.Context, roomID string, revealed bool) error {
	if err := s.updateRoom(ctx, roomID, "is_revealed = $4", revealed); err != nil {
		return err
	}
	if revealed {
		return nil
	}

	agg, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	now := s.now()
	w := batch.NewWriter(s.cfg.BatchSize, sendBatch(s.pool, func(b *pgx.Batch, sortKey string) {
		b.Queue(`UPDATE room_items SET vote = '', updated_on = $3 WHERE room_id = $1 AND sort_key = $2`,
			roomID, sortKey, now)
	}, nil))
	for _, u := range agg.Users {
		if !u.HasVote() {
			continue
		}
		if err := w.Add(ctx, domain.UserSortKey(u.UserKey)); err != nil {
			return fmt.Errorf("clear votes: %w", err)
		}
	}
	if err := w.Flush(ctx); err != nil {
		return fmt.Errorf("clear votes: %w", err)
	}
	return nil
}

func (s *RoomStore) SetValidSizes(ctx context.Context, roomID string, sizes []string) error {
	return s.updateRoom(ctx, roomID, "valid_sizes = $4", domain.FormatSizes(sizes))
}

func (s *RoomStore) DeleteRoom(ctx context.Context, roomID string) error {
	w := batch.NewWriter(s.cfg.BatchSize, sendBatch(s.pool, func(b *pgx.Batch, sortKey string) {
		b.Queue(`DELETE FROM room_items WHERE room_id = $1 AND sort_key = $2`, roomID, sortKey)
	}, nil))

	err := batch.Each(ctx, "", s.itemPages(roomID), func(ctx context.Context, row itemRow) error {
		return w.Add(ctx, row.SortKey)
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
	row, err := s.getItem(ctx, roomID, domain.UserSortKey(userKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return row.user(userKey), nil
}

func (s *RoomStore) Subscribe(ctx context.Context, roomID, connectionID, userKey string) (*domain.Subscription, error) {
	if userKey != "" {
		userID, err := s.updateUser(ctx, roomID, userKey, "connection_id = $4", connectionID)
		switch {
		case err == nil:
			return &domain.Subscription{UserKey: userKey, UserID: userID}, nil
		case !errors.Is(err, domain.ErrUserNotFound):
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		slog.DebugContext(ctx, "Stale user key, minting a new user", "room_id", roomID)
	}

	now := s.now()
	for range maxKeyAttempts {
		sub := &domain.Subscription{UserKey: s.keys.UserKey(), UserID: s.keys.UserID()}
		tag, err := s.pool.Exec(ctx, `
			WITH room AS (
				UPDATE room_items SET updated_on = $5::timestamptz
				WHERE room_id = $1 AND sort_key = 'ROOM'
				RETURNING room_id
			)
			INSERT INTO room_items (room_id, sort_key, user_id, connection_id, created_on, updated_on)
			SELECT room_id, $2::text, $3::text, $4::text, $5::timestamptz, $5::timestamptz FROM room
			ON CONFLICT (room_id, sort_key) DO NOTHING`,
			roomID, domain.UserSortKey(sub.UserKey), sub.UserID, connectionID, now)
		if err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return sub, nil
		}

		// Nothing inserted: either the room is gone or the key is taken.
		if _, err := s.GetRoomMetadata(ctx, roomID); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("subscribe: no free user key after %d attempts", maxKeyAttempts)
}

func (s *RoomStore) Join(ctx context.Context, roomID, userKey, username string) error {
	_, err := s.updateUser(ctx, roomID, userKey, "username = $4", username)
	return err
}

func (s *RoomStore) Vote(ctx context.Context, roomID, userKey, vote string) error {
	_, err := s.updateUser(ctx, roomID, userKey, "vote = $4", vote)
	return err
}

func (s *RoomStore) Leave(ctx context.Context, roomID, userKey string) error {
	_, err := s.updateUser(ctx, roomID, userKey, "username = '', vote = ''")
	return err
}

func (s *RoomStore) Reconnect(ctx context.Context, roomID, userKey, connectionID string) error {
	_, err := s.updateUser(ctx, roomID, userKey, "username = '', vote = '', connection_id = $4", connectionID)
	return err
}

func (s *RoomStore) KickUser(ctx context.Context, roomID, userKey string) error {
	_, err := s.updateUser(ctx, roomID, userKey, "username = '', vote = '', connection_id = ''")
	return err
}

func (s *RoomStore) DeleteUser(ctx context.Context, roomID, userKey string) (*domain.User, error) {
	rows, _ := s.pool.Query(ctx, `
		DELETE FROM room_items WHERE room_id = $1 AND sort_key = $2
		RETURNING `+itemColumns,
		roomID, domain.UserSortKey(userKey))
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[itemRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete user: %w", err)
	}
	return row.user(userKey), nil
}

// --- Sweeps ---

func (s *RoomStore) DeleteStaleRooms(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := batch.Each(ctx, "", s.roomPages(cutoff, false), func(ctx context.Context, roomID string) error {
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
	w := batch.NewWriter(s.cfg.BatchSize, sendBatch(s.pool, func(b *pgx.Batch, row itemRow) {
		// Rows touched after the scan read them keep their new updated_on and survive.
		b.Queue(`DELETE FROM room_items WHERE room_id = $1 AND sort_key = $2 AND updated_on = $3`,
			row.RoomID, row.SortKey, row.UpdatedOn)
	}, func(affected int64) { deleted += int(affected) }))

	err := batch.Each(ctx, userCursor{}, s.staleUserPages(cutoff), func(ctx context.Context, row itemRow) error {
		return w.Add(ctx, row)
	})
	if err != nil {
		return deleted, err
	}
	err = w.Flush(ctx)
	return deleted, err
}

func (s *RoomStore) ResetInactiveRooms(ctx context.Context, cutoff time.Time) (int, error) {
	reset := 0
	err := batch.Each(ctx, "", s.roomPages(cutoff, true), func(ctx context.Context, roomID string) error {
		err := s.SetCardsRevealed(ctx, roomID, false)
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

func (s *RoomStore) getItem(ctx context.Context, roomID, sortKey string) (itemRow, error) {
	rows, _ := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM room_items WHERE room_id = $1 AND sort_key = $2`,
		roomID, sortKey)
	return pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[itemRow])
}

// updateRoom patches the Room row. set may reference $4 for its value.
func (s *RoomStore) updateRoom(ctx context.Context, roomID, set string, args ...any) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE room_items SET `+set+`, updated_on = $3 WHERE room_id = $1 AND sort_key = $2`,
		append([]any{roomID, domain.RoomSortKey, s.now()}, args...)...)
	if err != nil {
		return fmt.Errorf("update room %s: %w", roomID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRoomNotFound
	}
	return nil
}

// updateUser patches an existing User row and touches its Room row in the same
// statement. set may reference $4 for its value. Returns the user's public id.
func (s *RoomStore) updateUser(ctx context.Context, roomID, userKey, set string, args ...any) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `
		WITH updated AS (
			UPDATE room_items SET `+set+`, updated_on = $3
			WHERE room_id = $1 AND sort_key = $2
			RETURNING user_id
		), touched AS (
			UPDATE room_items SET updated_on = $3
			WHERE room_id = $1 AND sort_key = 'ROOM' AND EXISTS (SELECT 1 FROM updated)
		)
		SELECT user_id FROM updated`,
		append([]any{roomID, domain.UserSortKey(userKey), s.now()}, args...)...,
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("update user: %w", err)
	}
	return userID, nil
}

// sendBatch builds a flush func that queues one statement per item and sends
// the chunk as a single pgx.Batch. affected, if set, receives the row count of
// every statement.
func sendBatch[T any](pool *pgxpool.Pool, queue func(b *pgx.Batch, item T), affected func(int64)) batch.FlushFunc[T] {
	return func(ctx context.Context, chunk []T) error {
		b := &pgx.Batch{}
		for _, item := range chunk {
			queue(b, item)
		}

		br := pool.SendBatch(ctx, b)
		for range chunk {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return fmt.Errorf("batch: %w", err)
			}
			if affected != nil {
				affected(tag.RowsAffected())
			}
		}
		return br.Close()
	}
}

func (s *RoomStore) itemPages(roomID string) batch.FetchFunc[itemRow, string] {
	return func(ctx context.Context, after string) (batch.Page[itemRow, string], error) {
		rows, _ := s.pool.Query(ctx, `
			SELECT `+itemColumns+` FROM room_items
			WHERE room_id = $1 AND sort_key > $2
			ORDER BY sort_key
			LIMIT $3`,
			roomID, after, s.cfg.PageSize)
		items, err := pgx.CollectRows(rows, pgx.RowToStructByName[itemRow])
		if err != nil {
			return batch.Page[itemRow, string]{}, fmt.Errorf("read room %s: %w", roomID, err)
		}
		page := batch.Page[itemRow, string]{Items: items, Done: len(items) < s.cfg.PageSize}
		if len(items) > 0 {
			page.Next = items[len(items)-1].SortKey
		}
		return page, nil
	}
}

// roomPages scans Room rows last updated before cutoff, optionally only the
// revealed ones.
func (s *RoomStore) roomPages(cutoff time.Time, revealedOnly bool) batch.FetchFunc[string, string] {
	return func(ctx context.Context, after string) (batch.Page[string, string], error) {
		rows, _ := s.pool.Query(ctx, `
			SELECT room_id FROM room_items
			WHERE sort_key = 'ROOM' AND updated_on < $1 AND room_id > $2
			  AND (is_revealed OR NOT $3)
			ORDER BY room_id
			LIMIT $4`,
			cutoff, after, revealedOnly, s.cfg.PageSize)
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return batch.Page[string, string]{}, fmt.Errorf("scan rooms: %w", err)
		}
		page := batch.Page[string, string]{Items: ids, Done: len(ids) < s.cfg.PageSize}
		if len(ids) > 0 {
			page.Next = ids[len(ids)-1]
		}
		return page, nil
	}
}

type userCursor struct {
	roomID  string
	sortKey string
}

func (s *RoomStore) staleUserPages(cutoff time.Time) batch.FetchFunc[itemRow, userCursor] {
	return func(ctx context.Context, after userCursor) (batch.Page[itemRow, userCursor], error) {
		rows, _ := s.pool.Query(ctx, `
			SELECT `+itemColumns+` FROM room_items
			WHERE sort_key LIKE 'USER:%' AND updated_on < $1
			  AND (room_id, sort_key) > ($2, $3)
			ORDER BY room_id, sort_key
			LIMIT $4`,
			cutoff, after.roomID, after.sortKey, s.cfg.PageSize)
		items, err := pgx.CollectRows(rows, pgx.RowToStructByName[itemRow])
		if err != nil {
			return batch.Page[itemRow, userCursor]{}, fmt.Errorf("scan users: %w", err)
		}
		page := batch.Page[itemRow, userCursor]{Items: items, Done: len(items) < s.cfg.PageSize}
		if len(items) > 0 {
			last := items[len(items)-1]
			page.Next = userCursor{roomID: last.RoomID, sortKey: last.SortKey}
		}
		return page, nil
	}
}
