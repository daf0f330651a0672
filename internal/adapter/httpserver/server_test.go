package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
	ws "github.com/skill-collectors/guesstimator/internal/adapter/websocket"
	"github.com/skill-collectors/guesstimator/internal/app"
	"github.com/skill-collectors/guesstimator/internal/domain"
	"github.com/skill-collectors/guesstimator/internal/platform/config"
)

const testRemoteAddr = "1.2.3.4:1234"

// --- Mock implementations ---

type mockRooms struct {
	createFn   func(ctx context.Context) (*domain.RoomCredentials, error)
	snapshotFn func(ctx context.Context, roomID, userKey string) (*app.RoomView, error)
	deleteFn   func(ctx context.Context, roomID, hostKey string) error
}

func (m *mockRooms) Create(ctx context.Context) (*domain.RoomCredentials, error) {
	if m.createFn != nil {
		return m.createFn(ctx)
	}
	return nil, errors.New("not implemented")
}

func (m *mockRooms) Snapshot(ctx context.Context, roomID, userKey string) (*app.RoomView, error) {
	if m.snapshotFn != nil {
		return m.snapshotFn(ctx, roomID, userKey)
	}
	return nil, errors.New("not implemented")
}

func (m *mockRooms) Delete(ctx context.Context, roomID, hostKey string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, roomID, hostKey)
	}
	return errors.New("not implemented")
}

type nopHandler struct{}

func (nopHandler) Connect(context.Context, string)               {}
func (nopHandler) HandleMessage(context.Context, string, []byte) {}
func (nopHandler) Disconnect(context.Context, string)            {}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:       "test",
		Port:         "0",
		AppURL:       "https://poker.example.com",
		APIRateLimit: 100,
		APIRateBurst: 100,
	}
}

func newTestServer(t *testing.T, rooms roomService, opts ...func(*config.Config, *WebSocket, *[]HealthCheck)) (*Server, *metrics.Set) {
	t.Helper()

	cfg := testConfig()
	reg := prometheus.NewRegistry()
	m := metrics.NewSet(reg)
	clock := clockwork.NewRealClock()

	hub := ws.NewHub(clock, m.WebSocket)
	t.Cleanup(hub.Stop)
	wsDeps := WebSocket{
		Hub:     hub,
		Handler: nopHandler{},
		Limits:  ws.NewConnectionLimits(clock, 100, 10, 100, 100),
	}
	var checks []HealthCheck

	for _, opt := range opts {
		opt(cfg, &wsDeps, &checks)
	}

	return NewServer(cfg, rooms, wsDeps, m, metrics.Handler(reg), checks), m
}

func withHealthChecks(hcs ...HealthCheck) func(*config.Config, *WebSocket, *[]HealthCheck) {
	return func(_ *config.Config, _ *WebSocket, checks *[]HealthCheck) {
		*checks = hcs
	}
}

func withRateLimit(rate float64, burst int) func(*config.Config, *WebSocket, *[]HealthCheck) {
	return func(cfg *config.Config, _ *WebSocket, _ *[]HealthCheck) {
		cfg.APIRateLimit = rate
		cfg.APIRateBurst = burst
	}
}

func withWebSocket(handler ws.MessageHandler, limits *ws.ConnectionLimits) func(*config.Config, *WebSocket, *[]HealthCheck) {
	return func(_ *config.Config, w *WebSocket, _ *[]HealthCheck) {
		if handler != nil {
			w.Handler = handler
		}
		if limits != nil {
			w.Limits = limits
		}
	}
}

func do(t *testing.T, srv *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = testRemoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	require.NotZero(t, rec.Code)
	return rec
}
