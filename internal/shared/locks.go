package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// IdempotencyKey builds redis keys for request deduplication.
func IdempotencyKey(module, key string) string {
	return fmt.Sprintf("idem:%s:%s", module, key)
}

// ReconcileLockKey builds redis keys that serialise reconciliation runs.
func ReconcileLockKey(scope string) string {
	if scope == "" {
		scope = "all"
	}
	return fmt.Sprintf("stock:reconcile:%s:lock", scope)
}

// ErrLockHeld indicates another holder owns the lock.
var ErrLockHeld = errors.New("lock held by another worker")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Lock is a single-holder redis lock with an expiry.
type Lock struct {
	client redis.Scripter
	key    string
	token  string
}

// LockClient is the redis surface a lock needs; *redis.Client satisfies it.
type LockClient interface {
	redis.Cmdable
	redis.Scripter
}

// AcquireLock takes key for ttl or returns ErrLockHeld.
func AcquireLock(ctx context.Context, client LockClient, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{client: client, key: key, token: token}, nil
}

// Release drops the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
