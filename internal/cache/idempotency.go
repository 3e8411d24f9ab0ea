package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const idemKeyPrefix = "crash:idem:"

// Idempotency deduplicates inbound intents in Redis via SET NX. The first
// submission under a key wins; a network-level retry sees the winner's value
// and is answered from it instead of being charged again.
type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

func (i *Idempotency) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	ok, err := i.client.SetNX(ctx, idemKeyPrefix+key, value, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return value, true, nil
	}
	existing, err := i.client.Get(ctx, idemKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// Winner expired between SetNX and Get; treat as fresh.
		return i.PutIfAbsent(ctx, key, value, ttl)
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (i *Idempotency) Delete(ctx context.Context, key string) error {
	return i.client.Del(ctx, idemKeyPrefix+key).Err()
}

// MemoryIdempotency is the in-process fallback used in tests and when Redis
// is not configured.
type MemoryIdempotency struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{entries: make(map[string]memEntry)}
}

func (m *MemoryIdempotency) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && time.Now().Before(e.expiresAt) {
		return e.value, false, nil
	}
	m.entries[key] = memEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return value, true, nil
}

func (m *MemoryIdempotency) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
