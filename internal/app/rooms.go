package app

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/skill-collectors/guesstimator/internal/domain"
	apperrors "github.com/skill-collectors/guesstimator/internal/platform/errors"
)

// Rooms is the request/response side of the room lifecycle.
type Rooms struct {
	store  domain.RoomStore
	policy VotePolicy
}

func NewRooms(store domain.RoomStore, policy VotePolicy) *Rooms {
	return &Rooms{store: store, policy: policy}
}

func (r *Rooms) Create(ctx context.Context) (*domain.RoomCredentials, error) {
	return r.store.CreateRoom(ctx)
}

// Snapshot returns the room as the holder of userKey would see it in a
// broadcast. userKey may be empty.
func (r *Rooms) Snapshot(ctx context.Context, roomID, userKey string) (*RoomView, error) {
	agg, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, storeErr(err)
	}
	view := Sanitize(agg, userKey, r.policy)
	return &view, nil
}

// Delete removes the room and all of its users. Only the host may delete.
func (r *Rooms) Delete(ctx context.Context, roomID, hostKey string) error {
	room, err := r.store.GetRoomMetadata(ctx, roomID)
	if err != nil {
		return storeErr(err)
	}
	if err := checkHostKey(room, hostKey); err != nil {
		return err
	}
	return storeErr(r.store.DeleteRoom(ctx, roomID))
}

func checkHostKey(room *domain.Room, hostKey string) error {
	if hostKey == "" || subtle.ConstantTimeCompare([]byte(room.HostKey), []byte(hostKey)) != 1 {
		return apperrors.Forbidden("Invalid host key")
	}
	return nil
}

// storeErr maps the store's sentinel errors to client-facing kinds and
// passes everything else through.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrRoomNotFound):
		return apperrors.NotFound("Room not found")
	case errors.Is(err, domain.ErrUserNotFound):
		return apperrors.NotFound("User not found")
	default:
		return err
	}
}
