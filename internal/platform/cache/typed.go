package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
)

// Entry is a cached value with its absolute expiry.
// Reads after ExpiresAt are misses, never stale-but-valid.
type Entry[T any] struct {
	Value     T         `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is unusable at now
func (e Entry[T]) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Typed stores Entry[T] values in an underlying Cache and enforces expiry
// itself, so the boundary is exact regardless of backend TTL granularity.
type Typed[T any] struct {
	backend Cache
	name    string
	ttl     time.Duration
	now     Clock
	metrics *observability.Metrics
}

// TypedConfig configures a Typed store
type TypedConfig struct {
	Name    string        // cache name for metrics and key namespacing
	TTL     time.Duration // default TTL for Put
	Clock   Clock
	Metrics *observability.Metrics
}

// NewTyped wraps backend for values of type T
func NewTyped[T any](backend Cache, cfg TypedConfig) *Typed[T] {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Typed[T]{
		backend: backend,
		name:    cfg.Name,
		ttl:     cfg.TTL,
		now:     cfg.Clock,
		metrics: cfg.Metrics,
	}
}

func (c *Typed[T]) key(k string) string {
	return c.name + ":" + k
}

// TTL returns the default TTL
func (c *Typed[T]) TTL() time.Duration {
	return c.ttl
}

// Get returns the live value for key or ErrNotFound
func (c *Typed[T]) Get(ctx context.Context, key string) (T, error) {
	entry, err := c.GetEntry(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return entry.Value, nil
}

// GetEntry returns the live entry for key or ErrNotFound
func (c *Typed[T]) GetEntry(ctx context.Context, key string) (Entry[T], error) {
	raw, err := c.backend.Get(ctx, c.key(key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.metrics.RecordCacheRequest(ctx, c.name, false)
		}
		return Entry[T]{}, err
	}

	entry, err := decodeEntry[T](raw)
	if err != nil {
		_ = c.backend.Delete(ctx, c.key(key))
		return Entry[T]{}, err
	}

	if entry.Expired(c.now()) {
		c.metrics.RecordCacheRequest(ctx, c.name, false)
		return Entry[T]{}, ErrNotFound
	}

	c.metrics.RecordCacheRequest(ctx, c.name, true)
	return entry, nil
}

// Put stores value with the default TTL
func (c *Typed[T]) Put(ctx context.Context, key string, value T) error {
	return c.Set(ctx, key, value, c.ttl)
}

// Set stores value with ttl
func (c *Typed[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	entry := Entry[T]{Value: value, ExpiresAt: c.now().Add(ttl)}
	return c.backend.Set(ctx, c.key(key), entry, ttl)
}

// Delete removes key
func (c *Typed[T]) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, c.key(key))
}

func decodeEntry[T any](raw interface{}) (Entry[T], error) {
	switch v := raw.(type) {
	case Entry[T]:
		return v, nil
	case *Entry[T]:
		return *v, nil
	case json.RawMessage:
		return unmarshalEntry[T](v)
	case []byte:
		return unmarshalEntry[T](v)
	case string:
		return unmarshalEntry[T]([]byte(v))
	default:
		return Entry[T]{}, fmt.Errorf("%w: unexpected %T", ErrInvalidValue, raw)
	}
}

func unmarshalEntry[T any](data []byte) (Entry[T], error) {
	var entry Entry[T]
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry[T]{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return entry, nil
}
