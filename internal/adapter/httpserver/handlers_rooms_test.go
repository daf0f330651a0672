package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skill-collectors/guesstimator/internal/app"
	"github.com/skill-collectors/guesstimator/internal/domain"
	apperrors "github.com/skill-collectors/guesstimator/internal/platform/errors"
)

func TestCreateRoom(t *testing.T) {
	srv, _ := newTestServer(t, &mockRooms{createFn: func(context.Context) (*domain.RoomCredentials, error) {
		return &domain.RoomCredentials{RoomID: "ABC123", HostKey: "HOSTKEY1"}, nil
	}})

	rec := do(t, srv, http.MethodPost, "/api/rooms", "", nil)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"roomId":"ABC123","hostKey":"HOSTKEY1"}`, rec.Body.String())
}

func TestGetRoom(t *testing.T) {
	var gotRoom, gotKey string
	srv, _ := newTestServer(t, &mockRooms{snapshotFn: func(_ context.Context, roomID, userKey string) (*app.RoomView, error) {
		gotRoom, gotKey = roomID, userKey
		return &app.RoomView{
			RoomID:     roomID,
			ValidSizes: []string{"1", "2"},
			Users:      []app.UserView{{UserID: "u1", Username: "alice", HasVote: true}},
		}, nil
	}})

	rec := do(t, srv, http.MethodGet, "/api/rooms/ABC123?userKey=KEYALICE", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABC123", gotRoom)
	assert.Equal(t, "KEYALICE", gotKey)
	assert.JSONEq(t, `{"roomId":"ABC123","validSizes":["1","2"],"isRevealed":false,
		"users":[{"userId":"u1","username":"alice","hasVote":true,"vote":""}]}`, rec.Body.String())
}

func TestGetRoom_NotFound(t *testing.T) {
	srv, m := newTestServer(t, &mockRooms{snapshotFn: func(context.Context, string, string) (*app.RoomView, error) {
		return nil, apperrors.NotFound("Room not found")
	}})

	rec := do(t, srv, http.MethodGet, "/api/rooms/NOPE", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"status":404,"error":"Room not found"}`, rec.Body.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.Total.WithLabelValues("not_found", "http")))
}

func TestDeleteRoom(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		headers map[string]string
		wantKey string
		status  int
	}{
		{"header", "", map[string]string{hostKeyHeader: "HOSTKEY1"}, "HOSTKEY1", http.StatusNoContent},
		{"body", `{"hostKey":"HOSTKEY1"}`, nil, "HOSTKEY1", http.StatusNoContent},
		{"header wins over body", `{"hostKey":"OTHER"}`, map[string]string{hostKeyHeader: "HOSTKEY1"}, "HOSTKEY1", http.StatusNoContent},
		{"wrong key", "", map[string]string{hostKeyHeader: "WRONG"}, "WRONG", http.StatusForbidden},
		{"no key", "", nil, "", http.StatusForbidden},
		{"bad body", `{"hostKey":`, nil, "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotKey string
			srv, _ := newTestServer(t, &mockRooms{deleteFn: func(_ context.Context, roomID, hostKey string) error {
				gotKey = hostKey
				if hostKey != "HOSTKEY1" {
					return apperrors.Forbidden("Invalid host key")
				}
				return nil
			}})

			rec := do(t, srv, http.MethodDelete, "/api/rooms/ABC123", tt.body, tt.headers)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.wantKey, gotKey)
		})
	}
}

func TestUnexpectedErrorHidesCause(t *testing.T) {
	srv, _ := newTestServer(t, &mockRooms{createFn: func(context.Context) (*domain.RoomCredentials, error) {
		return nil, errors.New("dial tcp 10.0.0.7:6379: connection refused")
	}})

	rec := do(t, srv, http.MethodPost, "/api/rooms", "", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp apperrors.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Contains(t, resp.Error, "Unexpected error (ref ")
	assert.NotContains(t, resp.Error, "10.0.0.7")
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t, &mockRooms{})

	rec := do(t, srv, http.MethodGet, "/api/status", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRateLimiter(t *testing.T) {
	srv, m := newTestServer(t, &mockRooms{}, withRateLimit(0.01, 1))

	first := do(t, srv, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusOK, first.Code)

	second := do(t, srv, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	var resp apperrors.Response
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.Equal(t, "rate limit exceeded", resp.Error)
	assert.Equal(t, "100", second.Header().Get("Retry-After"))
	assert.InDelta(t, 1, testutil.ToFloat64(m.Errors.Total.WithLabelValues("rate_limited", "http")), 0)

	// Health probes are not rate limited.
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health/live", "", nil).Code)
}

func TestRateLimiterDifferentIPsAreIndependent(t *testing.T) {
	srv, _ := newTestServer(t, &mockRooms{}, withRateLimit(0.01, 1))

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/status", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/status", "", map[string]string{"X-Real-Ip": "5.6.7.8"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, srv, http.MethodGet, "/api/status", "", nil).Code)
}
