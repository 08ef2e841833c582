package cache

import (
	"context"
	"errors"
	"time"

	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
)

// DefaultL1MaxTTL caps how long an entry lives in the in-process layer
const DefaultL1MaxTTL = 1 * time.Minute

// LayeredCacheConfig configures a LayeredCache
type LayeredCacheConfig struct {
	L1       Cache
	L2       Cache
	L1MaxTTL time.Duration
	Logger   *observability.Logger
}

// LayeredCache implements a two-tier cache (L1: memory, L2: Redis).
// Either layer may be nil.
type LayeredCache struct {
	l1       Cache
	l2       Cache
	l1MaxTTL time.Duration
	logger   *observability.Logger
}

// NewLayeredCache creates a new layered cache
func NewLayeredCache(l1, l2 Cache) *LayeredCache {
	return NewLayeredCacheWithConfig(LayeredCacheConfig{L1: l1, L2: l2})
}

// NewLayeredCacheWithConfig creates a new layered cache
func NewLayeredCacheWithConfig(cfg LayeredCacheConfig) *LayeredCache {
	if cfg.L1MaxTTL <= 0 {
		cfg.L1MaxTTL = DefaultL1MaxTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	return &LayeredCache{
		l1:       cfg.L1,
		l2:       cfg.L2,
		l1MaxTTL: cfg.L1MaxTTL,
		logger:   cfg.Logger,
	}
}

// Get retrieves a value (L1 → L2 → miss). L1 failures degrade to L2;
// L2 failures other than a miss are returned.
func (lc *LayeredCache) Get(ctx context.Context, key string) (interface{}, error) {
	if lc.l1 != nil {
		val, err := lc.l1.Get(ctx, key)
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, ErrNotFound) {
			lc.logger.LogWarn(ctx, "L1 cache get failed, falling back to L2", "key", key, "error", err)
		}
	}

	if lc.l2 == nil {
		return nil, ErrNotFound
	}

	val, err := lc.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if lc.l1 != nil {
		// L2 does not report remaining TTL; Typed entries carry their own expiry
		_ = lc.l1.Set(ctx, key, val, lc.l1MaxTTL)
	}
	return val, nil
}

// Set writes through to both layers. L1 TTL is capped at l1MaxTTL.
func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	var l1Err, l2Err error

	if lc.l1 != nil {
		l1TTL := ttl
		if l1TTL > lc.l1MaxTTL {
			l1TTL = lc.l1MaxTTL
		}
		l1Err = lc.l1.Set(ctx, key, value, l1TTL)
	}

	if lc.l2 != nil {
		l2Err = lc.l2.Set(ctx, key, value, ttl)
		if l2Err != nil {
			lc.logger.LogWarn(ctx, "L2 cache set failed", "key", key, "error", l2Err)
		}
	}

	switch {
	case lc.l1 == nil:
		return l2Err
	case lc.l2 == nil:
		return l1Err
	case l1Err != nil && l2Err != nil:
		return l2Err
	}
	return nil
}

// Delete removes a key from both layers
func (lc *LayeredCache) Delete(ctx context.Context, key string) error {
	var errs []error
	if lc.l1 != nil {
		errs = append(errs, lc.l1.Delete(ctx, key))
	}
	if lc.l2 != nil {
		errs = append(errs, lc.l2.Delete(ctx, key))
	}
	return errors.Join(errs...)
}

// Close closes both layers
func (lc *LayeredCache) Close() error {
	var errs []error
	if lc.l1 != nil {
		errs = append(errs, lc.l1.Close())
	}
	if lc.l2 != nil {
		errs = append(errs, lc.l2.Close())
	}
	return errors.Join(errs...)
}

// InvalidateL1 drops key from the in-process layer only, forcing the next
// read to go to L2
func (lc *LayeredCache) InvalidateL1(ctx context.Context, key string) error {
	if lc.l1 != nil {
		return lc.l1.Delete(ctx, key)
	}
	return nil
}
