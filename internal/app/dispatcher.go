package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
	"github.com/skill-collectors/guesstimator/internal/domain"
	"github.com/skill-collectors/guesstimator/internal/platform/correlation"
	apperrors "github.com/skill-collectors/guesstimator/internal/platform/errors"
)

const pong = "pong"

// Dispatcher validates inbound actions, applies them to the store and
// triggers the broadcast. It holds no room state between messages.
type Dispatcher struct {
	store        domain.RoomStore
	publisher    *Publisher
	clock        clockwork.Clock
	metrics      *metrics.ActionMetrics
	errorMetrics *metrics.ErrorMetrics
	metadata     singleflight.Group
}

func NewDispatcher(store domain.RoomStore, publisher *Publisher, clock clockwork.Clock, m *metrics.ActionMetrics, em *metrics.ErrorMetrics) *Dispatcher {
	return &Dispatcher{
		store:        store,
		publisher:    publisher,
		clock:        clock,
		metrics:      m,
		errorMetrics: em,
	}
}

// Connect only logs. A connection has no room until it subscribes.
func (d *Dispatcher) Connect(ctx context.Context, connectionID string) {
	slog.DebugContext(connectionContext(ctx, connectionID), "Connection opened")
}

// Disconnect only logs. The user row keeps its stale binding until a
// broadcast finds the connection gone.
func (d *Dispatcher) Disconnect(ctx context.Context, connectionID string) {
	slog.DebugContext(connectionContext(ctx, connectionID), "Connection closed")
}

// HandleMessage processes one text frame. Failures are reported to the
// sending connection only.
func (d *Dispatcher) HandleMessage(ctx context.Context, connectionID string, body []byte) {
	ctx = correlation.WithID(connectionContext(ctx, connectionID), correlation.NewID())
	start := d.clock.Now()

	name, err := d.handle(ctx, connectionID, body)

	result := "ok"
	if err != nil {
		structured := apperrors.As(ctx, err)
		result = string(structured.Kind)
		apperrors.Log(ctx, structured, "action", name)
		d.errorMetrics.Total.WithLabelValues(string(structured.Kind), "websocket").Inc()
		d.publisher.SendError(ctx, connectionID, structured)
	}

	d.metrics.Total.WithLabelValues(name, result).Inc()
	d.metrics.Duration.WithLabelValues(name).Observe(d.clock.Since(start).Seconds())
}

func (d *Dispatcher) handle(ctx context.Context, connectionID string, body []byte) (string, error) {
	act, err := parseAction(body)
	if err != nil {
		return actionInvalid, err
	}

	room, err := d.roomMetadata(ctx, act.room())
	if err != nil {
		return act.name(), storeErr(err)
	}

	switch a := act.(type) {
	case subscribeAction:
		return a.name(), d.subscribe(ctx, connectionID, a)
	case joinAction:
		if len([]rune(a.username)) > domain.MaxUsernameLength {
			return a.name(), apperrors.ClientError("Invalid username")
		}
		return a.name(), d.applied(ctx, a.roomID, d.store.Join(ctx, a.roomID, a.userKey, a.username))
	case voteAction:
		if !room.AcceptsVote(a.vote) {
			return a.name(), apperrors.ClientError("Invalid vote")
		}
		return a.name(), d.applied(ctx, a.roomID, d.store.Vote(ctx, a.roomID, a.userKey, a.vote))
	case revealAction:
		if err := checkHostKey(room, a.hostKey); err != nil {
			return a.name(), err
		}
		return a.name(), d.applied(ctx, a.roomID, d.store.SetCardsRevealed(ctx, a.roomID, true))
	case resetAction:
		if err := checkHostKey(room, a.hostKey); err != nil {
			return a.name(), err
		}
		return a.name(), d.applied(ctx, a.roomID, d.store.SetCardsRevealed(ctx, a.roomID, false))
	case setValidSizesAction:
		if err := checkHostKey(room, a.hostKey); err != nil {
			return a.name(), err
		}
		return a.name(), d.setValidSizes(ctx, a)
	case leaveAction:
		return a.name(), d.applied(ctx, a.roomID, d.store.Leave(ctx, a.roomID, a.userKey))
	case pingAction:
		return a.name(), d.ping(ctx, connectionID, a)
	default:
		return act.name(), apperrors.ClientError("Unknown action")
	}
}

// roomMetadata collapses concurrent reads of the same room into one store
// call. Nothing is kept once the call returns. The shared call outlives the
// caller that started it, so it ignores that caller's cancellation.
func (d *Dispatcher) roomMetadata(ctx context.Context, roomID string) (*domain.Room, error) {
	shared := context.WithoutCancel(ctx)
	v, err, _ := d.metadata.Do(roomID, func() (any, error) {
		return d.store.GetRoomMetadata(shared, roomID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Room), nil
}

func (d *Dispatcher) subscribe(ctx context.Context, connectionID string, a subscribeAction) error {
	sub, err := d.store.Subscribe(ctx, a.roomID, connectionID, a.userKey)
	if err != nil {
		return storeErr(err)
	}
	d.publisher.Reply(ctx, connectionID, sub)
	return d.applied(ctx, a.roomID, nil)
}

func (d *Dispatcher) setValidSizes(ctx context.Context, a setValidSizesAction) error {
	if len(a.sizes) == 0 {
		return apperrors.ClientError("Invalid sizes")
	}
	for _, s := range a.sizes {
		if len([]rune(s)) > domain.MaxSizeLength {
			return apperrors.ClientError("Invalid sizes")
		}
	}

	if err := d.store.SetValidSizes(ctx, a.roomID, a.sizes); err != nil {
		return storeErr(err)
	}
	// Votes cast against the old scale are meaningless.
	return d.applied(ctx, a.roomID, d.store.SetCardsRevealed(ctx, a.roomID, false))
}

// ping answers the caller only. A known userKey whose binding points at a
// different connection is rebound to this one first.
func (d *Dispatcher) ping(ctx context.Context, connectionID string, a pingAction) error {
	if a.userKey != "" {
		user, err := d.store.GetUser(ctx, a.roomID, a.userKey)
		switch {
		case err == nil && user.ConnectionID != connectionID:
			if err := d.store.Reconnect(ctx, a.roomID, a.userKey, connectionID); err != nil && !errors.Is(err, domain.ErrUserNotFound) {
				return err
			}
			slog.DebugContext(ctx, "Rebound stale connection on ping", "room_id", a.roomID)
		case err != nil && !errors.Is(err, domain.ErrUserNotFound):
			return err
		}
	}

	d.publisher.Reply(ctx, connectionID, pong)
	return nil
}

// applied broadcasts the room after a successful store mutation.
func (d *Dispatcher) applied(ctx context.Context, roomID string, err error) error {
	if err != nil {
		return storeErr(err)
	}
	return storeErr(d.publisher.Broadcast(ctx, roomID))
}

func connectionContext(ctx context.Context, connectionID string) context.Context {
	return correlation.WithAttrs(ctx, slog.String("connection_id", connectionID))
}
