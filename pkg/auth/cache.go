package auth

import (
	"context"
	"crypto/rsa"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CachedKeyProvider memoizes parsed keys of a slower provider. Concurrent misses for
// the same actor share one upstream lookup. Failed lookups are not cached.
type CachedKeyProvider struct {
	next   KeyProvider
	cache  *lru.Cache[string, *rsa.PrivateKey]
	group  singleflight.Group
	logger *zap.Logger
}

func NewCachedKeyProvider(next KeyProvider, size int, logger *zap.Logger) (*CachedKeyProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, *rsa.PrivateKey](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create key cache: %w", err)
	}
	return &CachedKeyProvider{next: next, cache: cache, logger: logger}, nil
}

func (c *CachedKeyProvider) PrivateKey(ctx context.Context, actorURI string) (*rsa.PrivateKey, error) {
	if key, ok := c.cache.Get(actorURI); ok {
		return key, nil
	}

	v, err, shared := c.group.Do(actorURI, func() (interface{}, error) {
		key, err := c.next.PrivateKey(ctx, actorURI)
		if err != nil {
			return nil, err
		}
		c.cache.Add(actorURI, key)
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Shared signing key lookup", zap.String("actor", actorURI))
	}
	return v.(*rsa.PrivateKey), nil
}

// Invalidate drops a cached key, e.g. after the actor rotated it.
func (c *CachedKeyProvider) Invalidate(actorURI string) {
	c.cache.Remove(actorURI)
}

func (c *CachedKeyProvider) Len() int {
	return c.cache.Len()
}

var _ KeyProvider = (*CachedKeyProvider)(nil)
