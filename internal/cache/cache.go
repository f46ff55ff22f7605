package cache

import (
	"context"
	"time"
)

// Entry is one cached upstream response.
type Entry struct {
	Status      int
	ContentType string
	Body        []byte
}

// Store holds cached upstream responses keyed by request URI.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
