package userstore

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailscale-portfolio/signin-callback/internal/identity"
)

type countingDirectory struct {
	identity.Directory
	gets int
}

func (c *countingDirectory) GetByID(ctx context.Context, id string) (*identity.User, error) {
	c.gets++
	return c.Directory.GetByID(ctx, id)
}

func newCache(t *testing.T) (*Cache, *countingDirectory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	backing := &countingDirectory{Directory: identity.NewMemoryDirectory()}
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	return NewCache(backing, client, 15*time.Minute, logger), backing, mr
}

func TestCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	cache, backing, mr := newCache(t)

	_, err := backing.Create(ctx, identity.NewUser{ID: "u1", Name: "Ada"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		user, err := cache.GetByID(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "Ada", user.Name)
	}
	assert.Equal(t, 1, backing.gets)
	assert.True(t, mr.Exists("user:u1"))
	assert.Equal(t, 15*time.Minute, mr.TTL("user:u1"))
}

func TestCacheMissPropagatesNotFound(t *testing.T) {
	cache, _, mr := newCache(t)
	_, err := cache.GetByID(context.Background(), "nobody")
	assert.ErrorIs(t, err, identity.ErrNotFound)
	assert.False(t, mr.Exists("user:nobody"))
}

func TestCacheCreateWritesThrough(t *testing.T) {
	ctx := context.Background()
	cache, backing, mr := newCache(t)

	_, err := cache.Create(ctx, identity.NewUser{ID: "u2", Email: "lee@example.com"})
	require.NoError(t, err)
	assert.True(t, mr.Exists("user:u2"))

	user, err := cache.GetByID(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "lee@example.com", user.Email)
	assert.Equal(t, 0, backing.gets)

	_, err = cache.Create(ctx, identity.NewUser{ID: "u2"})
	assert.ErrorIs(t, err, identity.ErrAlreadyExists)
}

func TestCacheDegradesWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	cache, backing, mr := newCache(t)
	_, err := backing.Create(ctx, identity.NewUser{ID: "u1", Name: "Ada"})
	require.NoError(t, err)

	mr.Close()

	user, err := cache.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.Name)
}

func TestCacheDiscardsCorruptEntry(t *testing.T) {
	ctx := context.Background()
	cache, backing, mr := newCache(t)
	_, err := backing.Create(ctx, identity.NewUser{ID: "u1", Name: "Ada"})
	require.NoError(t, err)
	require.NoError(t, mr.Set("user:u1", "{not json"))

	user, err := cache.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.Name)
	assert.Equal(t, 1, backing.gets)
}
