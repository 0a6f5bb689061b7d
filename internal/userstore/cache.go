package userstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tailscale-portfolio/signin-callback/internal/identity"
)

// Cache is a Redis read-through cache in front of another directory. Users are
// never updated after creation, so entries only expire.
type Cache struct {
	next   identity.Directory
	redis  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache wraps next with a Redis cache whose entries live for ttl.
func NewCache(next identity.Directory, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{next: next, redis: client, ttl: ttl, logger: logger}
}

// GetByID serves from Redis when possible. Redis failures fall back to the
// backing directory.
func (c *Cache) GetByID(ctx context.Context, id string) (*identity.User, error) {
	data, err := c.redis.Get(ctx, cacheKey(id)).Bytes()
	switch {
	case err == nil:
		var user identity.User
		if jsonErr := json.Unmarshal(data, &user); jsonErr == nil {
			return &user, nil
		}
		c.logger.Warn("discarding corrupt cache entry", "user_id", id)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("user cache read failed", "error", err, "user_id", id)
	}

	user, err := c.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, user)
	return user, nil
}

// Create writes through to the backing directory and caches the result.
func (c *Cache) Create(ctx context.Context, in identity.NewUser) (*identity.User, error) {
	user, err := c.next.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	c.store(ctx, user)
	return user, nil
}

func (c *Cache) store(ctx context.Context, user *identity.User) {
	data, err := json.Marshal(user)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, cacheKey(user.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("user cache write failed", "error", err, "user_id", user.ID)
	}
}

func cacheKey(id string) string {
	return "user:" + id
}
