package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skill-collectors/guesstimator/internal/domain"
)

// sweepLockID is the advisory lock held by the instance running the sweep.
// Value: 0x7377656570 ("sweep" in ASCII hex)
const sweepLockID = 0x7377656570

// Locker holds a session-level advisory lock. The lock lives on one pooled
// connection, which stays checked out until Release.
type Locker struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	conn *pgxpool.Conn
}

var _ domain.Locker = (*Locker)(nil)

func NewLocker(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

func (l *Locker) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return true, nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection for sweep lock: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", sweepLockID).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

func (l *Locker) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil

	_, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", sweepLockID)
	if err != nil {
		// The session may still hold the lock; drop the connection instead of pooling it.
		_ = conn.Conn().Close(ctx)
		conn.Release()
		return fmt.Errorf("failed to release sweep lock: %w", err)
	}
	conn.Release()
	return nil
}
