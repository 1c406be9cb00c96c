package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/PyForge/internal/port/cache"
)

// responseCache memoizes serialized engine responses for the read-only
// operations. Keys embed a per-URI generation counter that is bumped whenever
// the engine publishes diagnostics for that URI (the engine's signal that the
// file's analysis changed), so stale entries become unreachable immediately
// and age out by TTL.
type responseCache struct {
	store cache.Cache
	ttl   time.Duration

	mu  sync.Mutex
	gen map[string]uint64 // uri -> generation
}

func newResponseCache(store cache.Cache, ttl time.Duration) *responseCache {
	return &responseCache{
		store: store,
		ttl:   ttl,
		gen:   make(map[string]uint64),
	}
}

// Invalidate makes all cached entries for uri unreachable.
func (rc *responseCache) Invalidate(uri string) {
	rc.mu.Lock()
	rc.gen[uri]++
	rc.mu.Unlock()
}

func (rc *responseCache) generation(uri string) uint64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.gen[uri]
}

func (rc *responseCache) key(op, workspace, uri, extra string) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", op, workspace, uri, rc.generation(uri), extra)
}

// get unmarshals a cached response into out. A decode failure counts as a
// miss; the entry is dropped.
func (rc *responseCache) get(ctx context.Context, key string, out any) bool {
	data, ok, err := rc.store.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		slog.Warn("response cache: dropping undecodable entry", "key", key, "error", err)
		_ = rc.store.Delete(ctx, key)
		return false
	}
	return true
}

func (rc *responseCache) put(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := rc.store.Set(ctx, key, data, rc.ttl); err != nil {
		slog.Warn("response cache: set failed", "key", key, "error", err)
	}
}
