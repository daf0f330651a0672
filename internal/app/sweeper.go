package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
	"github.com/skill-collectors/guesstimator/internal/domain"
	"github.com/skill-collectors/guesstimator/internal/platform/correlation"
)

// SweepPass names one independent maintenance pass.
type SweepPass string

const (
	PassRooms SweepPass = "rooms"
	PassUsers SweepPass = "users"
	PassReset SweepPass = "reset"
)

// AllPasses is the order a full sweep runs in.
var AllPasses = []SweepPass{PassRooms, PassUsers, PassReset}

// ParsePasses parses a comma separated pass list such as "rooms,reset".
func ParsePasses(s string) ([]SweepPass, error) {
	if strings.TrimSpace(s) == "" {
		return AllPasses, nil
	}
	var passes []SweepPass
	for part := range strings.SplitSeq(s, ",") {
		p := SweepPass(strings.TrimSpace(part))
		switch p {
		case PassRooms, PassUsers, PassReset:
			passes = append(passes, p)
		default:
			return nil, fmt.Errorf("unknown sweep pass %q", part)
		}
	}
	return passes, nil
}

type SweeperConfig struct {
	StaleAfter    time.Duration
	RevealedAfter time.Duration
	// Interval between in-process sweeps. Zero disables Start.
	Interval time.Duration
}

type SweepReport struct {
	RoomsDeleted int
	UsersDeleted int
	RoomsReset   int
}

// Sweeper evicts stale rooms and users and hides rooms left revealed.
// It never touches open connections.
type Sweeper struct {
	store   domain.SweepStore
	locker  domain.Locker
	clock   clockwork.Clock
	cfg     SweeperConfig
	metrics *metrics.SweepMetrics

	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper. locker may be nil when only one instance runs.
func NewSweeper(store domain.SweepStore, locker domain.Locker, clock clockwork.Clock, cfg SweeperConfig, m *metrics.SweepMetrics) *Sweeper {
	return &Sweeper{
		store:   store,
		locker:  locker,
		clock:   clock,
		cfg:     cfg,
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

// Sweep runs every pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	return s.Run(ctx, AllPasses...)
}

// Run runs the given passes in order. A failing pass does not stop the
// others; their errors are joined. Every pass is safe to re-run.
func (s *Sweeper) Run(ctx context.Context, passes ...SweepPass) (SweepReport, error) {
	start := s.clock.Now()
	now := start
	var report SweepReport
	var errs []error

	for _, pass := range passes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		var n int
		var err error
		switch pass {
		case PassRooms:
			n, err = s.store.DeleteStaleRooms(ctx, now.Add(-s.cfg.StaleAfter))
			report.RoomsDeleted = n
		case PassUsers:
			n, err = s.store.DeleteStaleUsers(ctx, now.Add(-s.cfg.StaleAfter))
			report.UsersDeleted = n
		case PassReset:
			n, err = s.store.ResetInactiveRooms(ctx, now.Add(-s.cfg.RevealedAfter))
			report.RoomsReset = n
		default:
			err = fmt.Errorf("unknown sweep pass %q", pass)
		}

		s.metrics.Affected.WithLabelValues(string(pass)).Add(float64(n))
		if err != nil {
			slog.ErrorContext(ctx, "Sweep pass failed", "pass", pass, "affected", n, "error", err)
			errs = append(errs, fmt.Errorf("%s pass: %w", pass, err))
			continue
		}
		slog.InfoContext(ctx, "Sweep pass finished", "pass", pass, "affected", n)
	}

	err := errors.Join(errs...)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.Runs.WithLabelValues(status).Inc()
	s.metrics.Duration.Observe(s.clock.Since(start).Seconds())
	return report, err
}

// Start runs Sweep every Interval until Stop. Each tick first takes the
// sweep lock, so with several instances only one of them sweeps.
func (s *Sweeper) Start() {
	if s.cfg.Interval <= 0 {
		slog.Info("Sweeper disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ticker := s.clock.NewTicker(s.cfg.Interval)
	s.wg.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				s.tick(ctx)
			case <-s.stopCh:
				return
			}
		}
	})
	slog.Info("Sweeper started", "interval", s.cfg.Interval)
}

// Stop stops the timer, interrupts a running sweep after its current page
// and waits for it to return.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.wg.Wait()
}

func (s *Sweeper) tick(ctx context.Context) {
	ctx = correlation.WithID(ctx, correlation.NewID())

	if s.locker != nil {
		acquired, err := s.locker.TryAcquire(ctx)
		if err != nil {
			slog.WarnContext(ctx, "Sweep lock unavailable", "error", err)
			s.metrics.Runs.WithLabelValues("skipped").Inc()
			return
		}
		if !acquired {
			slog.DebugContext(ctx, "Another instance holds the sweep lock")
			s.metrics.Runs.WithLabelValues("skipped").Inc()
			return
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx)); err != nil {
				slog.WarnContext(ctx, "Failed to release sweep lock", "error", err)
			}
		}()
	}

	report, err := s.Sweep(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Sweep finished with errors", "error", err)
		return
	}
	slog.InfoContext(ctx, "Sweep finished",
		"rooms_deleted", report.RoomsDeleted,
		"users_deleted", report.UsersDeleted,
		"rooms_reset", report.RoomsReset)
}
