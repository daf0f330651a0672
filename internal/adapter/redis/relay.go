package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
	"github.com/skill-collectors/guesstimator/internal/domain"
)

const (
	relayReplyTimeout = 5 * time.Second

	relayKindSend   = "send"
	relayKindResult = "result"
)

var (
	errOwnerGone    = errors.New("owning instance is not listening")
	errRelayTimeout = errors.New("no reply from owning instance")
	errRelayStopped = errors.New("relay stopped")
)

func relayChannel(instanceID string) string {
	return "relay:" + instanceID
}

// relayEnvelope is both a forwarded send and its reply.
type relayEnvelope struct {
	Kind         string             `json:"kind"`
	RequestID    string             `json:"requestId"`
	Origin       string             `json:"origin"`
	ConnectionID string             `json:"connectionId"`
	Payload      []byte             `json:"payload,omitempty"`
	Outcome      domain.SendOutcome `json:"outcome"`
	Error        string             `json:"error,omitempty"`
}

// Relay routes sends to the instance that owns the connection. Connections of
// this instance go straight to the local sender; others are published on the
// owner's channel and the owner replies with the outcome of its local send.
type Relay struct {
	rdb        *goredis.Client
	instanceID string
	local      domain.Sender
	clock      clockwork.Clock
	metrics    *metrics.WebSocketMetrics
	timeout    time.Duration

	mu      sync.Mutex
	pending map[string]chan relayEnvelope

	sub    *goredis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ domain.Sender = (*Relay)(nil)

// NewRelay creates a relay for instanceID. m may be nil.
func NewRelay(rdb *goredis.Client, instanceID string, local domain.Sender, clock clockwork.Clock, m *metrics.WebSocketMetrics) *Relay {
	return &Relay{
		rdb:        rdb,
		instanceID: instanceID,
		local:      local,
		clock:      clock,
		metrics:    m,
		timeout:    relayReplyTimeout,
		pending:    make(map[string]chan relayEnvelope),
	}
}

// Start subscribes to this instance's channel and returns once the
// subscription is confirmed, so no forwarded send published afterwards is lost.
func (r *Relay) Start(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, relayChannel(r.instanceID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe relay channel: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.sub = sub
	r.cancel = cancel
	r.wg.Go(func() { r.listen(listenCtx, sub.Channel()) })
	return nil
}

// Stop unsubscribes and waits for in-flight forwarded sends.
func (r *Relay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	_ = r.sub.Close()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

func (r *Relay) Send(ctx context.Context, connectionID string, payload []byte) domain.SendResult {
	owner := domain.ConnectionOwner(connectionID)
	if owner == "" || owner == r.instanceID {
		return r.local.Send(ctx, connectionID, payload)
	}

	result := r.forward(ctx, owner, connectionID, payload)
	r.count("out", result.Outcome)
	return result
}

func (r *Relay) forward(ctx context.Context, owner, connectionID string, payload []byte) domain.SendResult {
	result := domain.SendResult{ConnectionID: connectionID, Outcome: domain.Failed}

	requestID := uuid.NewString()
	data, err := json.Marshal(relayEnvelope{
		Kind:         relayKindSend,
		RequestID:    requestID,
		Origin:       r.instanceID,
		ConnectionID: connectionID,
		Payload:      payload,
	})
	if err != nil {
		result.Err = fmt.Errorf("encode relay request: %w", err)
		return result
	}

	replyCh := make(chan relayEnvelope, 1)
	r.mu.Lock()
	r.pending[requestID] = replyCh
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()
	}()

	receivers, err := r.rdb.Publish(ctx, relayChannel(owner), data).Result()
	if err != nil {
		result.Err = fmt.Errorf("publish relay request: %w", err)
		return result
	}
	if receivers == 0 {
		// An instance that stopped listening has closed all of its sockets.
		result.Outcome = domain.Gone
		result.Err = errOwnerGone
		return result
	}

	timer := r.clock.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replyCh:
		if !ok {
			result.Err = errRelayStopped
			return result
		}
		result.Outcome = reply.Outcome
		if reply.Error != "" {
			result.Err = errors.New(reply.Error)
		}
	case <-timer.Chan():
		result.Err = errRelayTimeout
	case <-ctx.Done():
		result.Err = ctx.Err()
	}
	return result
}

func (r *Relay) listen(ctx context.Context, messages <-chan *goredis.Message) {
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			r.handle(ctx, msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) handle(ctx context.Context, raw string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		slog.Warn("Invalid relay message", "error", err)
		return
	}

	switch env.Kind {
	case relayKindSend:
		// Local writes can block on a slow peer; the listener keeps draining.
		r.wg.Go(func() { r.deliver(ctx, env) })
	case relayKindResult:
		r.mu.Lock()
		replyCh, ok := r.pending[env.RequestID]
		r.mu.Unlock()
		if !ok {
			return
		}
		select {
		case replyCh <- env:
		default:
		}
	default:
		slog.Warn("Unknown relay message kind", "kind", env.Kind)
	}
}

// deliver performs a forwarded send on the local sender and reports back.
func (r *Relay) deliver(ctx context.Context, req relayEnvelope) {
	res := r.local.Send(ctx, req.ConnectionID, req.Payload)
	r.count("in", res.Outcome)

	reply := relayEnvelope{
		Kind:         relayKindResult,
		RequestID:    req.RequestID,
		Origin:       r.instanceID,
		ConnectionID: req.ConnectionID,
		Outcome:      res.Outcome,
	}
	if res.Err != nil {
		reply.Error = res.Err.Error()
	}
	data, err := json.Marshal(reply)
	if err != nil {
		slog.Error("Failed to encode relay reply", "error", err)
		return
	}
	if err := r.rdb.Publish(ctx, relayChannel(req.Origin), data).Err(); err != nil {
		slog.Warn("Failed to publish relay reply", "origin", req.Origin, "connection_id", req.ConnectionID, "error", err)
	}
}

func (r *Relay) count(direction string, outcome domain.SendOutcome) {
	if r.metrics != nil {
		r.metrics.Relayed.WithLabelValues(direction, outcome.String()).Inc()
	}
}
