package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/skill-collectors/guesstimator/internal/domain"
)

const (
	sweepLockKey = "sweep:leader"
	sweepLockTTL = 5 * time.Minute
)

// releaseScript deletes the lock only while it still holds our instance id.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a SETNX lease. The TTL bounds how long a crashed holder can block
// the next sweep.
type Locker struct {
	rdb        *goredis.Client
	instanceID string
	key        string
	ttl        time.Duration
}

var _ domain.Locker = (*Locker)(nil)

// NewLocker creates the sweep lock. instanceID should be unique per process.
func NewLocker(rdb *goredis.Client, instanceID string) *Locker {
	return &Locker{rdb: rdb, instanceID: instanceID, key: sweepLockKey, ttl: sweepLockTTL}
}

func (l *Locker) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	return ok, nil
}

// Renew extends the lease. It fails when another instance holds the lock.
func (l *Locker) Renew(ctx context.Context) error {
	holder, err := l.rdb.Get(ctx, l.key).Result()
	if errors.Is(err, goredis.Nil) {
		return fmt.Errorf("sweep lock lost")
	}
	if err != nil {
		return fmt.Errorf("failed to check sweep lock: %w", err)
	}
	if holder != l.instanceID {
		return fmt.Errorf("sweep lock held by %s", holder)
	}
	if err := l.rdb.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to renew sweep lock: %w", err)
	}
	return nil
}

func (l *Locker) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release sweep lock: %w", err)
	}
	return nil
}
