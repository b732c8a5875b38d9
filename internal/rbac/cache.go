package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheVersionKey = "rbac:version"

// Cache wraps Redis based caching of permission resolutions with a version
// counter. Any write through the role hierarchy or the assignment engine
// bumps the version, invalidating every cached resolution at once.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Bump invalidates every cached resolution by incrementing the version.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

func (c *Cache) key(ctx context.Context, userID int64, opts ResolveOptions) (string, error) {
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("rbac:perms:%d:%d:%t:%t", ver, userID, opts.IncludeInherited, opts.GroupByModule), nil
}

// Fetch loads a cached resolution or populates it using the loader.
func (c *Cache) Fetch(ctx context.Context, userID int64, opts ResolveOptions, loader func(context.Context) (Resolution, error)) (Resolution, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key, err := c.key(ctx, userID, opts)
	if err != nil {
		return loader(ctx)
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var cached Resolution
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	}
	resultChan := c.group.DoChan(key, func() (any, error) {
		resolution, err := loader(ctx)
		if err != nil {
			return Resolution{}, err
		}
		if encoded, err := json.Marshal(resolution); err == nil {
			_ = c.client.Set(ctx, key, encoded, c.ttl).Err()
		}
		return resolution, nil
	})
	select {
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return Resolution{}, res.Err
		}
		return res.Val.(Resolution), nil
	}
}
