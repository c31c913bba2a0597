package cache

import (
	"context"
	"time"
)

// Cache is a keyed TTL store for values that are cheap to reload.
// Get reports whether the key was present; a miss is not an error.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Nop never holds anything, so every lookup falls through to the store.
type Nop struct{}

func (Nop) Get(context.Context, string, any) (bool, error)        { return false, nil }
func (Nop) Set(context.Context, string, any, time.Duration) error { return nil }
func (Nop) Delete(context.Context, string) error                  { return nil }
