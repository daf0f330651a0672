// Command sweeper runs one sweep against the configured room store and exits.
// It is meant for a scheduled job when the server runs with SWEEP_INTERVAL=0.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
	"github.com/skill-collectors/guesstimator/internal/adapter/postgres"
	roomredis "github.com/skill-collectors/guesstimator/internal/adapter/redis"
	"github.com/skill-collectors/guesstimator/internal/app"
	"github.com/skill-collectors/guesstimator/internal/domain"
	"github.com/skill-collectors/guesstimator/internal/platform/config"
	"github.com/skill-collectors/guesstimator/internal/platform/correlation"
	"github.com/skill-collectors/guesstimator/internal/platform/keygen"
	"github.com/skill-collectors/guesstimator/internal/platform/logging"
)

func main() {
	var (
		only    = flag.String("only", "", "Comma separated passes to run: rooms,users,reset (default all)")
		timeout = flag.Duration("timeout", 15*time.Minute, "Abort the sweep after this long")
		verbose = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	logging.InitLogger(level, cfg.LogFormat)

	passes, err := app.ParsePasses(*only)
	if err != nil {
		log.Fatalf("Invalid -only: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx = correlation.WithID(ctx, correlation.NewID())

	clock := clockwork.NewRealClock()
	store, closeStore := openStore(ctx, cfg, clock)
	defer closeStore()

	// Nothing scrapes a one-shot job, the registry only satisfies the sweeper.
	m := metrics.NewSweepMetrics(metrics.NewRegistry())
	sweeper := app.NewSweeper(store, nil, clock, app.SweeperConfig{
		StaleAfter:    cfg.StaleAfter,
		RevealedAfter: cfg.RevealedAfter,
	}, m)

	report, err := sweeper.Run(ctx, passes...)
	slog.InfoContext(ctx, "Sweep summary",
		"rooms_deleted", report.RoomsDeleted,
		"users_deleted", report.UsersDeleted,
		"rooms_reset", report.RoomsReset)
	if err != nil {
		slog.ErrorContext(ctx, "Sweep failed", "error", err)
		closeStore()
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (domain.SweepStore, func()) {
	if cfg.StoreBackend == config.BackendPostgres {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, nil)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		slog.Info("Connected", "backend", cfg.StoreBackend, "url", sanitizeURL(cfg.DatabaseURL))
		store := postgres.NewRoomStore(pool, clock, keygen.Random{}, postgres.StoreConfig{
			PageSize:  cfg.StorePageSize,
			BatchSize: cfg.StoreBatchSize,
		})
		return store, pool.Close
	}

	rdb, err := roomredis.NewClient(ctx, cfg.RedisURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	slog.Info("Connected", "backend", cfg.StoreBackend, "url", sanitizeURL(cfg.RedisURL))
	store := roomredis.NewRoomStore(rdb, clock, keygen.Random{}, roomredis.StoreConfig{
		PageSize:  cfg.StorePageSize,
		BatchSize: cfg.StoreBatchSize,
	})
	return store, func() { _ = rdb.Close() }
}

// sanitizeURL hides the password of a connection URL for logging.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid url"
	}
	return u.Redacted()
}
