package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
	"github.com/skill-collectors/guesstimator/internal/domain"
)

var (
	errNotImplemented = errors.New("not implemented")
	epoch             = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// --- Mock implementations ---

type mockStore struct {
	createRoomFn         func(ctx context.Context) (*domain.RoomCredentials, error)
	getRoomFn            func(ctx context.Context, roomID string) (*domain.RoomAggregate, error)
	getRoomMetadataFn    func(ctx context.Context, roomID string) (*domain.Room, error)
	setCardsRevealedFn   func(ctx context.Context, roomID string, revealed bool) error
	setValidSizesFn      func(ctx context.Context, roomID string, sizes []string) error
	deleteRoomFn         func(ctx context.Context, roomID string) error
	getUserFn            func(ctx context.Context, roomID, userKey string) (*domain.User, error)
	subscribeFn          func(ctx context.Context, roomID, connectionID, userKey string) (*domain.Subscription, error)
	joinFn               func(ctx context.Context, roomID, userKey, username string) error
	voteFn               func(ctx context.Context, roomID, userKey, vote string) error
	leaveFn              func(ctx context.Context, roomID, userKey string) error
	reconnectFn          func(ctx context.Context, roomID, userKey, connectionID string) error
	kickUserFn           func(ctx context.Context, roomID, userKey string) error
	deleteUserFn         func(ctx context.Context, roomID, userKey string) (*domain.User, error)
	deleteStaleRoomsFn   func(ctx context.Context, cutoff time.Time) (int, error)
	deleteStaleUsersFn   func(ctx context.Context, cutoff time.Time) (int, error)
	resetInactiveRoomsFn func(ctx context.Context, cutoff time.Time) (int, error)
}

func (m *mockStore) CreateRoom(ctx context.Context) (*domain.RoomCredentials, error) {
	if m.createRoomFn != nil {
		return m.createRoomFn(ctx)
	}
	return nil, errNotImplemented
}

func (m *mockStore) GetRoom(ctx context.Context, roomID string) (*domain.RoomAggregate, error) {
	if m.getRoomFn != nil {
		return m.getRoomFn(ctx, roomID)
	}
	return nil, errNotImplemented
}

func (m *mockStore) GetRoomMetadata(ctx context.Context, roomID string) (*domain.Room, error) {
	if m.getRoomMetadataFn != nil {
		return m.getRoomMetadataFn(ctx, roomID)
	}
	return nil, errNotImplemented
}

func (m *mockStore) SetCardsRevealed(ctx context.Context, roomID string, revealed bool) error {
	if m.setCardsRevealedFn != nil {
		return m.setCardsRevealedFn(ctx, roomID, revealed)
	}
	return errNotImplemented
}

func (m *mockStore) SetValidSizes(ctx context.Context, roomID string, sizes []string) error {
	if m.setValidSizesFn != nil {
		return m.setValidSizesFn(ctx, roomID, sizes)
	}
	return errNotImplemented
}

func (m *mockStore) DeleteRoom(ctx context.Context, roomID string) error {
	if m.deleteRoomFn != nil {
		return m.deleteRoomFn(ctx, roomID)
	}
	return errNotImplemented
}

func (m *mockStore) GetUser(ctx context.Context, roomID, userKey string) (*domain.User, error) {
	if m.getUserFn != nil {
		return m.getUserFn(ctx, roomID, userKey)
	}
	return nil, errNotImplemented
}

func (m *mockStore) Subscribe(ctx context.Context, roomID, connectionID, userKey string) (*domain.Subscription, error) {
	if m.subscribeFn != nil {
		return m.subscribeFn(ctx, roomID, connectionID, userKey)
	}
	return nil, errNotImplemented
}

func (m *mockStore) Join(ctx context.Context, roomID, userKey, username string) error {
	if m.joinFn != nil {
		return m.joinFn(ctx, roomID, userKey, username)
	}
	return errNotImplemented
}

func (m *mockStore) Vote(ctx context.Context, roomID, userKey, vote string) error {
	if m.voteFn != nil {
		return m.voteFn(ctx, roomID, userKey, vote)
	}
	return errNotImplemented
}

func (m *mockStore) Leave(ctx context.Context, roomID, userKey string) error {
	if m.leaveFn != nil {
		return m.leaveFn(ctx, roomID, userKey)
	}
	return errNotImplemented
}

func (m *mockStore) Reconnect(ctx context.Context, roomID, userKey, connectionID string) error {
	if m.reconnectFn != nil {
		return m.reconnectFn(ctx, roomID, userKey, connectionID)
	}
	return errNotImplemented
}

func (m *mockStore) KickUser(ctx context.Context, roomID, userKey string) error {
	if m.kickUserFn != nil {
		return m.kickUserFn(ctx, roomID, userKey)
	}
	return errNotImplemented
}

func (m *mockStore) DeleteUser(ctx context.Context, roomID, userKey string) (*domain.User, error) {
	if m.deleteUserFn != nil {
		return m.deleteUserFn(ctx, roomID, userKey)
	}
	return nil, errNotImplemented
}

func (m *mockStore) DeleteStaleRooms(ctx context.Context, cutoff time.Time) (int, error) {
	if m.deleteStaleRoomsFn != nil {
		return m.deleteStaleRoomsFn(ctx, cutoff)
	}
	return 0, errNotImplemented
}

func (m *mockStore) DeleteStaleUsers(ctx context.Context, cutoff time.Time) (int, error) {
	if m.deleteStaleUsersFn != nil {
		return m.deleteStaleUsersFn(ctx, cutoff)
	}
	return 0, errNotImplemented
}

func (m *mockStore) ResetInactiveRooms(ctx context.Context, cutoff time.Time) (int, error) {
	if m.resetInactiveRoomsFn != nil {
		return m.resetInactiveRoomsFn(ctx, cutoff)
	}
	return 0, errNotImplemented
}

// mockSender records every payload and answers with outcomeFn, Delivered by default.
type mockSender struct {
	outcomeFn func(connectionID string) domain.SendOutcome

	mu   sync.Mutex
	sent map[string][][]byte
}

func newMockSender() *mockSender {
	return &mockSender{sent: make(map[string][][]byte)}
}

func (m *mockSender) Send(_ context.Context, connectionID string, payload []byte) domain.SendResult {
	outcome := domain.Delivered
	if m.outcomeFn != nil {
		outcome = m.outcomeFn(connectionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if outcome == domain.Delivered {
		m.sent[connectionID] = append(m.sent[connectionID], payload)
	}

	res := domain.SendResult{ConnectionID: connectionID, Outcome: outcome}
	if outcome != domain.Delivered {
		res.Err = errors.New(outcome.String())
	}
	return res
}

func (m *mockSender) messages(connectionID string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[connectionID]
}

// wireMessage is a decoded reply or broadcast.
type wireMessage struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

func (m *mockSender) last(t *testing.T, connectionID string) wireMessage {
	t.Helper()
	msgs := m.messages(connectionID)
	require.NotEmpty(t, msgs, "nothing sent to %s", connectionID)
	var msg wireMessage
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], &msg))
	return msg
}

func (m *mockSender) lastView(t *testing.T, connectionID string) RoomView {
	t.Helper()
	msg := m.last(t, connectionID)
	require.Equal(t, 200, msg.Status)
	var view RoomView
	require.NoError(t, json.Unmarshal(msg.Data, &view))
	return view
}

type mockLocker struct {
	tryAcquireFn func(ctx context.Context) (bool, error)
	releaseFn    func(ctx context.Context) error
}

func (m *mockLocker) TryAcquire(ctx context.Context) (bool, error) {
	if m.tryAcquireFn != nil {
		return m.tryAcquireFn(ctx)
	}
	return true, nil
}

func (m *mockLocker) Release(ctx context.Context) error {
	if m.releaseFn != nil {
		return m.releaseFn(ctx)
	}
	return nil
}

func newTestMetrics() *metrics.Set {
	return metrics.NewSet(prometheus.NewRegistry())
}
