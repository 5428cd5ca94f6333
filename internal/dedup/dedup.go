package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard provides idempotency on instruction ids: the first claim of an id
// wins, replays are refused before they reach the engine.
type Guard interface {
	Claim(ctx context.Context, instructionID string) (bool, error)
}

const keyPrefix = "liquiflow:instr:"

// RedisGuard backs the idempotency window with redis so a restarted
// gateway still refuses replays.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard creates a guard with the given replay window.
func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{client: client, ttl: ttl}
}

// Claim atomically claims an instruction id. Returns false when the id
// was already claimed within the window.
func (g *RedisGuard) Claim(ctx context.Context, instructionID string) (bool, error) {
	ok, err := g.client.SetNX(ctx, keyPrefix+instructionID, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup claim failed: %w", err)
	}
	return ok, nil
}

// MemoryGuard is the in-process fallback used when no redis is configured.
type MemoryGuard struct {
	seen map[string]struct{}
	mu   sync.Mutex
}

// NewMemoryGuard creates an unbounded in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{seen: make(map[string]struct{})}
}

// Claim claims an instruction id in memory.
func (g *MemoryGuard) Claim(_ context.Context, instructionID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.seen[instructionID]; exists {
		return false, nil
	}
	g.seen[instructionID] = struct{}{}
	return true, nil
}
