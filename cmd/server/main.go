package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/skill-collectors/guesstimator/internal/adapter/httpserver"
	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
	"github.com/skill-collectors/guesstimator/internal/adapter/postgres"
	roomredis "github.com/skill-collectors/guesstimator/internal/adapter/redis"
	ws "github.com/skill-collectors/guesstimator/internal/adapter/websocket"
	"github.com/skill-collectors/guesstimator/internal/app"
	"github.com/skill-collectors/guesstimator/internal/domain"
	"github.com/skill-collectors/guesstimator/internal/platform/config"
	"github.com/skill-collectors/guesstimator/internal/platform/keygen"
	"github.com/skill-collectors/guesstimator/internal/platform/logging"
	"github.com/skill-collectors/guesstimator/internal/platform/version"
)

const (
	connectTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// backend is the room store selected by STORE_BACKEND together with what the
// rest of the process needs from it. rdb is nil when no Redis is configured.
type backend struct {
	rooms  domain.RoomStore
	sweeps domain.SweepStore
	locker domain.Locker
	health httpserver.HealthCheck
	rdb    *goredis.Client
	close  func()
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func connectRedis(cfg *config.Config, m *metrics.StoreMetrics) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	rdb, err := roomredis.NewClient(ctx, cfg.RedisURL, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return rdb
}

func setupRedis(cfg *config.Config, instanceID string, clock clockwork.Clock, m *metrics.StoreMetrics) backend {
	rdb := connectRedis(cfg, m)

	store := roomredis.NewRoomStore(rdb, clock, keygen.Random{}, roomredis.StoreConfig{
		PageSize:  cfg.StorePageSize,
		BatchSize: cfg.StoreBatchSize,
	})
	return backend{
		rooms:  store,
		sweeps: store,
		locker: roomredis.NewLocker(rdb, instanceID),
		health: httpserver.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}},
		rdb:   rdb,
		close: func() { _ = rdb.Close() },
	}
}

func setupPostgres(cfg *config.Config, clock clockwork.Clock, m *metrics.StoreMetrics) backend {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, m)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		pool.Close()
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	store := postgres.NewRoomStore(pool, clock, keygen.Random{}, postgres.StoreConfig{
		PageSize:  cfg.StorePageSize,
		BatchSize: cfg.StoreBatchSize,
	})
	b := backend{
		rooms:  store,
		sweeps: store,
		locker: postgres.NewLocker(pool),
		health: httpserver.HealthCheck{Name: "postgres", Check: pool.Ping},
		close:  pool.Close,
	}
	// Redis is optional here and only carries sends between instances.
	if cfg.RedisURL != "" {
		b.rdb = connectRedis(cfg, m)
		b.close = func() {
			_ = b.rdb.Close()
			pool.Close()
		}
	}
	return b
}

func setupBackend(cfg *config.Config, instanceID string, clock clockwork.Clock, m *metrics.StoreMetrics) backend {
	if cfg.StoreBackend == config.BackendPostgres {
		return setupPostgres(cfg, clock, m)
	}
	return setupRedis(cfg, instanceID, clock, m)
}

// setupSender relays sends for connections owned by other instances over
// Redis. Without Redis only this instance's connections are reachable.
func setupSender(rdb *goredis.Client, hub *ws.Hub, clock clockwork.Clock, m *metrics.WebSocketMetrics) (domain.Sender, func()) {
	if rdb == nil {
		slog.Warn("REDIS_URL not set, running as a single instance")
		return hub, func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	relay := roomredis.NewRelay(rdb, hub.InstanceID(), hub, clock, m)
	if err := relay.Start(ctx); err != nil {
		slog.Error("Failed to start relay", "error", err)
		os.Exit(1)
	}
	return relay, relay.Stop
}

func runGracefulShutdown(srv *httpserver.Server, hub *ws.Hub, stopRelay func(), sweeper *app.Sweeper) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		sweeper.Stop()
		// Once unsubscribed, other instances see this instance's connections as gone.
		stopRelay()
		// Close frames go out before the server stops waiting on hijacked connections.
		hub.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "backend", cfg.StoreBackend, "version", version.Get().Version)

	registry := metrics.NewRegistry()
	m := metrics.NewSet(registry)

	hub := ws.NewHub(clock, m.WebSocket)

	store := setupBackend(cfg, hub.InstanceID(), clock, m.Store)
	defer store.close()

	sender, stopRelay := setupSender(store.rdb, hub, clock, m.WebSocket)
	publisher := app.NewPublisher(store.rooms, sender, clock, app.PublisherConfig{
		OwnVotes: app.ParseVotePolicy(cfg.OwnVoteVisibility),
	}, m.Broadcast)
	dispatcher := app.NewDispatcher(store.rooms, publisher, clock, m.Actions, m.Errors)
	rooms := app.NewRooms(store.rooms, app.ParseVotePolicy(cfg.OwnVoteVisibility))

	sweeper := app.NewSweeper(store.sweeps, store.locker, clock, app.SweeperConfig{
		StaleAfter:    cfg.StaleAfter,
		RevealedAfter: cfg.RevealedAfter,
		Interval:      cfg.SweepInterval,
	}, m.Sweep)
	sweeper.Start()

	limits := ws.NewConnectionLimits(clock,
		int64(cfg.MaxWebSocketConnections),
		cfg.MaxConnectionsPerIP,
		cfg.ConnectionRateLimit,
		max(1, int(cfg.ConnectionRateLimit)),
	)

	srv := httpserver.NewServer(cfg, rooms, httpserver.WebSocket{
		Hub:     hub,
		Handler: dispatcher,
		Limits:  limits,
	}, m, metrics.Handler(registry), []httpserver.HealthCheck{store.health})

	done := runGracefulShutdown(srv, hub, stopRelay, sweeper)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
