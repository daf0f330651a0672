package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
	"github.com/skill-collectors/guesstimator/internal/domain"
	apperrors "github.com/skill-collectors/guesstimator/internal/platform/errors"
)

type PublisherConfig struct {
	OwnVotes VotePolicy
}

// Publisher fans out sanitized room snapshots to every bound connection and
// evicts users whose connection is gone.
type Publisher struct {
	store   domain.RoomStore
	sender  domain.Sender
	clock   clockwork.Clock
	cfg     PublisherConfig
	metrics *metrics.BroadcastMetrics
}

func NewPublisher(store domain.RoomStore, sender domain.Sender, clock clockwork.Clock, cfg PublisherConfig, m *metrics.BroadcastMetrics) *Publisher {
	if cfg.OwnVotes == "" {
		cfg.OwnVotes = ShowOwnVote
	}
	return &Publisher{store: store, sender: sender, clock: clock, cfg: cfg, metrics: m}
}

// Broadcast reads the room and sends each connected user their view of it.
// When any connection turned out to be gone and its user was kicked, the
// room is read and sent once more so the others see the user disappear.
// That second pass kicks gone users too but never triggers a third.
func (p *Publisher) Broadcast(ctx context.Context, roomID string) error {
	start := p.clock.Now()
	defer func() {
		p.metrics.Duration.Observe(p.clock.Since(start).Seconds())
	}()

	agg, err := p.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("read room for broadcast: %w", err)
	}
	p.metrics.Broadcasts.Inc()

	if p.deliver(ctx, agg) == 0 {
		return nil
	}

	agg, err = p.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("read room for rebroadcast: %w", err)
	}
	p.metrics.Rebroadcasts.Inc()
	slog.DebugContext(ctx, "Rebroadcasting after kicks", "room_id", roomID)
	p.deliver(ctx, agg)
	return nil
}

// deliver sends to all connected users concurrently, waits for every result,
// then kicks the users whose connection is gone. Returns the number of kicks
// that succeeded.
func (p *Publisher) deliver(ctx context.Context, agg *domain.RoomAggregate) int {
	recipients := agg.Connected()
	p.metrics.Recipients.Observe(float64(len(recipients)))
	results := make([]domain.SendResult, len(recipients))

	var wg sync.WaitGroup
	for i, u := range recipients {
		wg.Go(func() {
			payload, err := json.Marshal(apperrors.Response{
				Status: http.StatusOK,
				Data:   Sanitize(agg, u.UserKey, p.cfg.OwnVotes),
			})
			if err != nil {
				results[i] = domain.SendResult{ConnectionID: u.ConnectionID, Outcome: domain.Failed, Err: err}
				return
			}
			results[i] = p.sender.Send(ctx, u.ConnectionID, payload)
		})
	}
	wg.Wait()

	kicked := 0
	for i, res := range results {
		user := recipients[i]
		switch res.Outcome {
		case domain.Delivered:
		case domain.Gone:
			apperrors.Log(ctx, apperrors.ConnectionGone(res.ConnectionID, res.Err), "room_id", agg.Room.RoomID)
			if p.kick(ctx, agg.Room.RoomID, user.UserKey) {
				kicked++
			}
		default:
			slog.WarnContext(ctx, "Broadcast send failed",
				"room_id", agg.Room.RoomID,
				"connection_id", res.ConnectionID,
				"error", res.Err)
		}
	}
	return kicked
}

func (p *Publisher) kick(ctx context.Context, roomID, userKey string) bool {
	err := p.store.KickUser(ctx, roomID, userKey)
	switch {
	case err == nil:
		p.metrics.Kicks.Inc()
		return true
	case errors.Is(err, domain.ErrUserNotFound), errors.Is(err, domain.ErrRoomNotFound):
		slog.DebugContext(ctx, "Kick target already gone", "room_id", roomID, "error", err)
	default:
		slog.ErrorContext(ctx, "Failed to kick user", "room_id", roomID, "error", err)
	}
	return false
}

// Reply sends a 200 response carrying data to one connection.
func (p *Publisher) Reply(ctx context.Context, connectionID string, data any) domain.SendResult {
	return p.send(ctx, connectionID, apperrors.Response{Status: http.StatusOK, Data: data})
}

// SendError reports err to one connection. Gone connections are not told anything.
func (p *Publisher) SendError(ctx context.Context, connectionID string, err *apperrors.Error) domain.SendResult {
	if err.Kind == apperrors.KindConnectionGone {
		return domain.SendResult{ConnectionID: connectionID, Outcome: domain.Gone, Err: err}
	}
	return p.send(ctx, connectionID, err.ToResponse())
}

func (p *Publisher) send(ctx context.Context, connectionID string, resp apperrors.Response) domain.SendResult {
	payload, err := json.Marshal(resp)
	if err != nil {
		return domain.SendResult{ConnectionID: connectionID, Outcome: domain.Failed, Err: err}
	}

	res := p.sender.Send(ctx, connectionID, payload)
	if res.Outcome != domain.Delivered {
		slog.DebugContext(ctx, "Reply not delivered",
			"connection_id", connectionID,
			"outcome", res.Outcome.String(),
			"error", res.Err)
	}
	return res
}
