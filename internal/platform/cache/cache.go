// Package cache holds the TTL stores behind prices, pair addresses and token
// search: a bounded in-process LRU (L1), Redis (L2), the layered pair of
// them, and Typed, which adds explicit expiry and JSON decoding on top.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("cache: key not found")
	// ErrInvalidValue means a stored value could not be encoded or decoded.
	ErrInvalidValue = errors.New("cache: invalid value")
)

// Cache is implemented by every backend. L2 backends may return values as
// json.RawMessage; Typed handles both forms.
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Clock is injected wherever expiry is decided.
type Clock func() time.Time
