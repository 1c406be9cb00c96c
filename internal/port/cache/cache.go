// Package cache defines the port interface for the engine response cache.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching of serialized engine
// responses. Implementations must treat a missing key as (nil, false, nil),
// not as an error, and deleting an absent key is a no-op.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
