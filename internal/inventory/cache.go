package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const balanceChannel = "stock.balance.bump"

// RedisBalanceCache projects current balances into Redis. Keys embed the
// key version, so a commit makes older entries unreachable.
type RedisBalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBalanceCache instantiates the cache helper.
func NewRedisBalanceCache(client *redis.Client, ttl time.Duration) *RedisBalanceCache {
	return &RedisBalanceCache{client: client, ttl: ttl}
}

var _ BalanceCache = (*RedisBalanceCache)(nil)

func balanceKey(key Key, version int64) string {
	return strings.Join([]string{"stock", "balance", key.ItemID, key.WarehouseID, key.Batch, strconv.FormatInt(version, 10)}, ":")
}

// GetBalance loads a cached balance for the exact version.
func (c *RedisBalanceCache) GetBalance(ctx context.Context, key Key, version int64) (Balance, bool, error) {
	if c == nil || c.client == nil {
		return Balance{}, false, nil
	}
	payload, err := c.client.Get(ctx, balanceKey(key, version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Balance{}, false, nil
	}
	if err != nil {
		return Balance{}, false, err
	}
	var b Balance
	if err := json.Unmarshal(payload, &b); err != nil {
		return Balance{}, false, err
	}
	return b, true, nil
}

// SetBalance stores b under version and announces the new version.
func (c *RedisBalanceCache) SetBalance(ctx context.Context, key Key, version int64, b Balance) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, balanceKey(key, version), raw, c.ttl).Err(); err != nil {
		return err
	}
	return c.client.Publish(ctx, balanceChannel, key.String()+"@"+strconv.FormatInt(version, 10)).Err()
}

// ListenForUpdates calls fn for every balance version announced on the
// channel until ctx ends.
func (c *RedisBalanceCache) ListenForUpdates(ctx context.Context, fn func(key string, version int64)) error {
	if c == nil || c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, balanceChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				at := strings.LastIndexByte(msg.Payload, '@')
				if at < 0 {
					continue
				}
				if ver, err := strconv.ParseInt(msg.Payload[at+1:], 10, 64); err == nil {
					fn(msg.Payload[:at], ver)
				}
			}
		}
	}()
	return nil
}
