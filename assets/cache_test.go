package assets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return NewRedisCache(client, ttl), mr
}

// 三种实现共享的行为
func TestCache_Contract(t *testing.T) {
	t.Parallel()

	caches := map[string]func(t *testing.T) Cache{
		"memory": func(*testing.T) Cache { return NewMemoryCache() },
		"filesystem": func(t *testing.T) Cache {
			c, err := NewFilesystemCache(t.TempDir())
			require.NoError(t, err)
			return c
		},
		"redis": func(t *testing.T) Cache {
			c, _ := newRedisCache(t, time.Hour)
			return c
		},
	}

	for name, newCache := range caches {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			c := newCache(t)

			_, ok, err := c.Get(ctx, "https://models.example.com/a.yaml")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, c.Put(ctx, "https://models.example.com/a.yaml", []byte("a")))
			require.NoError(t, c.Put(ctx, "b.yaml", []byte("b")))
			assert.ErrorIs(t, c.Put(ctx, "", []byte("x")), ErrInvalidKey)

			data, ok, err := c.Get(ctx, "b.yaml")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("b"), data)

			keys, err := c.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"b.yaml", "https://models.example.com/a.yaml"}, keys)

			require.NoError(t, c.Delete(ctx, "b.yaml"))
			require.NoError(t, c.Delete(ctx, "missing"))
			_, ok, err = c.Get(ctx, "b.yaml")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMemoryCache_Prune(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewMemoryCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Put(ctx, "old", []byte("1")))
	now = now.Add(2 * time.Hour)
	require.NoError(t, c.Put(ctx, "new", []byte("2")))

	n, err := c.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	keys, _ := c.Keys(ctx)
	assert.Equal(t, []string{"new"}, keys)
}

func TestMemoryCache_CopiesData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewMemoryCache()
	data := []byte("abc")
	require.NoError(t, c.Put(ctx, "k", data))
	data[0] = 'x'

	got, _, _ := c.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), got)
	got[1] = 'y'
	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again)
}

func TestFilesystemCache_Prune(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := NewFilesystemCache(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "../../etc/passwd", []byte("old")))
	require.NoError(t, c.Put(ctx, "fresh", []byte("new")))

	// 文件名是 key 的哈希，key 中的路径分隔符不会逃出目录
	p, err := c.path("../../etc/passwd", dataExt)
	require.NoError(t, err)
	assert.Equal(t, c.baseDir, filepath.Dir(p))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(p, past, past))

	n, err := c.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, keys)
}

func TestRedisCache_TTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mr := newRedisCache(t, time.Minute)

	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	assert.True(t, mr.Exists(defaultRedisPrefix+"k"))
	assert.Equal(t, time.Minute, mr.TTL(defaultRedisPrefix+"k"))

	n, err := c.Prune(ctx, time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)

	mr.FastForward(2 * time.Minute)
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_Unavailable(t *testing.T) {
	t.Parallel()

	c, mr := newRedisCache(t, time.Minute)
	mr.Close()

	_, _, err := c.Get(context.Background(), "k")
	assert.ErrorContains(t, err, "redis get k")
}
