package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator records a key and reports whether it was already seen within
// window, in one step.
type Deduplicator interface {
	Seen(ctx context.Context, key string, window time.Duration) (bool, error)
}

// MemoryDeduplicator keeps keys in a map and prunes expired ones on write.
type MemoryDeduplicator struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
	writes  int
}

func NewMemoryDeduplicator() *MemoryDeduplicator {
	return &MemoryDeduplicator{expires: map[string]time.Time{}, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (d *MemoryDeduplicator) WithClock(now func() time.Time) *MemoryDeduplicator {
	d.now = now
	return d
}

func (d *MemoryDeduplicator) Seen(_ context.Context, key string, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.expires[key]; ok && now.Before(exp) {
		return true, nil
	}
	d.expires[key] = now.Add(window)
	d.writes++
	if d.writes%256 == 0 {
		for k, exp := range d.expires {
			if !now.Before(exp) {
				delete(d.expires, k)
			}
		}
	}
	return false, nil
}

// Len returns the number of tracked keys.
func (d *MemoryDeduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.expires)
}

// RedisDeduplicator shares dedup state between governor instances with
// SET NX PX, so the first instance to see an occurrence wins.
type RedisDeduplicator struct {
	client    redis.UniversalClient
	namespace string
}

func NewRedisDeduplicator(client redis.UniversalClient, namespace string) *RedisDeduplicator {
	if namespace == "" {
		namespace = "dispatchline"
	}
	return &RedisDeduplicator{client: client, namespace: namespace}
}

func (d *RedisDeduplicator) Seen(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window < time.Millisecond {
		window = time.Millisecond
	}
	ok, err := d.client.SetNX(ctx, d.namespace+":dedup:"+key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", key, err)
	}
	return !ok, nil
}
