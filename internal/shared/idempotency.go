package shared

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

// IdempotencyStore remembers request keys in Redis together with a
// fingerprint of the payload they were first used with.
type IdempotencyStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewIdempotencyStore constructs the store. A non-positive ttl defaults to 24h.
func NewIdempotencyStore(client redis.Cmdable, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{client: client, ttl: ttl}
}

var (
	// ErrIdempotencyConflict indicates a key reused with a different payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different payload")
	// ErrIdempotencyKeyRequired indicates an empty key or module.
	ErrIdempotencyKeyRequired = errors.New("idempotency key and module required")
)

// IdempotencyRecord is what the store keeps per key.
type IdempotencyRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Done        bool      `json:"done"`
	Result      string    `json:"result,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Fingerprint hashes a request payload.
func Fingerprint(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Begin claims key for payload. fresh is false when the key was already
// claimed with the same payload; the stored record is returned then.
func (s *IdempotencyStore) Begin(ctx context.Context, module, key string, payload []byte) (rec IdempotencyRecord, fresh bool, err error) {
	if s == nil {
		return IdempotencyRecord{}, true, nil
	}
	if key == "" || module == "" {
		return IdempotencyRecord{}, false, ErrIdempotencyKeyRequired
	}
	rec = IdempotencyRecord{Fingerprint: Fingerprint(payload), CreatedAt: time.Now().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	ok, err := s.client.SetNX(ctx, IdempotencyKey(module, key), raw, s.ttl).Result()
	if err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("shared: idempotency claim: %w", err)
	}
	if ok {
		return rec, true, nil
	}
	stored, err := s.load(ctx, module, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	if stored.Fingerprint != rec.Fingerprint {
		return stored, false, ErrIdempotencyConflict
	}
	return stored, false, nil
}

// Complete marks key done with result, keeping the remaining TTL.
func (s *IdempotencyStore) Complete(ctx context.Context, module, key, result string) error {
	if s == nil {
		return nil
	}
	rec, err := s.load(ctx, module, key)
	if err != nil {
		return err
	}
	rec.Done, rec.Result = true, result
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, IdempotencyKey(module, key), raw, redis.KeepTTL).Err()
}

// Delete removes a key, typically used to roll back failed processing.
func (s *IdempotencyStore) Delete(ctx context.Context, module, key string) error {
	if s == nil {
		return nil
	}
	if key == "" || module == "" {
		return ErrIdempotencyKeyRequired
	}
	return s.client.Del(ctx, IdempotencyKey(module, key)).Err()
}

func (s *IdempotencyStore) load(ctx context.Context, module, key string) (IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, IdempotencyKey(module, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return IdempotencyRecord{}, fmt.Errorf("shared: idempotency load: %w", err)
	}
	var rec IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return IdempotencyRecord{}, fmt.Errorf("shared: idempotency decode: %w", err)
	}
	return rec, nil
}
