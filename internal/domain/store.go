package domain

import (
	"context"
	"time"
)

// RoomStore persists room aggregates. Mutations of an existing User row are
// conditioned on the row existing and return ErrUserNotFound otherwise; they
// never resurrect a deleted row.
type RoomStore interface {
	// Rooms

	CreateRoom(ctx context.Context) (*RoomCredentials, error)
	GetRoom(ctx context.Context, roomID string) (*RoomAggregate, error)
	GetRoomMetadata(ctx context.Context, roomID string) (*Room, error)
	SetCardsRevealed(ctx context.Context, roomID string, revealed bool) error
	SetValidSizes(ctx context.Context, roomID string, sizes []string) error
	DeleteRoom(ctx context.Context, roomID string) error

	// Users

	GetUser(ctx context.Context, roomID, userKey string) (*User, error)
	Subscribe(ctx context.Context, roomID, connectionID, userKey string) (*Subscription, error)
	Join(ctx context.Context, roomID, userKey, username string) error
	Vote(ctx context.Context, roomID, userKey, vote string) error
	Leave(ctx context.Context, roomID, userKey string) error
	Reconnect(ctx context.Context, roomID, userKey, connectionID string) error
	KickUser(ctx context.Context, roomID, userKey string) error
	DeleteUser(ctx context.Context, roomID, userKey string) (*User, error)

	SweepStore
}

// SweepStore is the maintenance surface: full scans filtered by updatedOn.
// Each pass is idempotent and returns the number of rows it affected.
type SweepStore interface {
	DeleteStaleRooms(ctx context.Context, cutoff time.Time) (int, error)
	DeleteStaleUsers(ctx context.Context, cutoff time.Time) (int, error)
	ResetInactiveRooms(ctx context.Context, cutoff time.Time) (int, error)
}

// Locker guards work that only one instance should do at a time.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
