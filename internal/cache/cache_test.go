package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Anipaleja/cdn-defender/internal/config"
	"github.com/Anipaleja/cdn-defender/internal/errdefs"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirStorePutGet(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "does", "not", "exist")
	s := NewDirStore(root)

	_, ok, err := s.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "abc123", "v2/static.example.com_2024-07-16-00_part-00000.gz", []byte("hello")))

	data, ok, err := s.Get(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))

	// Stored under the base name inside the checksum directory.
	_, err = os.Stat(filepath.Join(root, "abc123", "static.example.com_2024-07-16-00_part-00000.gz"))
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "abc123", "a.gz"), s.Path("abc123", "x/a.gz"))
}

func TestDirStoreSharedChecksum(t *testing.T) {
	ctx := context.Background()
	s := NewDirStore(t.TempDir())

	require.NoError(t, s.Put(ctx, "same", "first.gz", []byte("content")))

	// A differently named object with the same checksum is a hit.
	data, ok, err := s.Get(ctx, "same")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "content", string(data))

	// Same name, different checksum: no collision.
	require.NoError(t, s.Put(ctx, "other", "first.gz", []byte("different")))
	data, ok, err = s.Get(ctx, "other")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "different", string(data))

	data, _, err = s.Get(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestDirStoreConcurrentPut(t *testing.T) {
	ctx := context.Background()
	s := NewDirStore(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Put(ctx, "race", "obj.gz", []byte("identical")))
		}()
	}
	wg.Wait()

	data, ok, err := s.Get(ctx, "race")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "identical", string(data))

	entries, err := os.ReadDir(filepath.Join(s.Root(), "race"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestDirStoreInvalidChecksum(t *testing.T) {
	ctx := context.Background()
	s := NewDirStore(t.TempDir())

	for _, checksum := range []string{"", "..", "a/b"} {
		err := s.Put(ctx, checksum, "x", []byte("x"))
		assert.True(t, errors.Is(err, errdefs.ErrCacheIO), checksum)

		_, _, err = s.Get(ctx, checksum)
		assert.True(t, errors.Is(err, errdefs.ErrCacheIO), checksum)
	}
}

func TestDirStoreUnwritableRoot(t *testing.T) {
	// A regular file where the root directory should be.
	root := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(root, []byte("x"), 0644))

	err := NewDirStore(root).Put(context.Background(), "abc", "a.gz", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrCacheIO))
}

func TestNewSelectsBackend(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := config.Default().Download
	cfg.CacheDir = t.TempDir()
	s, err := New(cfg, logger)
	require.NoError(t, err)
	assert.IsType(t, &DirStore{}, s)

	cfg.CacheBackend = "s3"
	_, err = New(cfg, logger)
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	s, err := NewRedisStore(config.RedisConfig{Addr: addr, KeyPrefix: "cdn-defender-test:"})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	defer s.client.Del(ctx, s.key("redis-abc"))

	_, ok, err := s.Get(ctx, "redis-abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "redis-abc", "a.gz", []byte("payload")))
	data, ok, err := s.Get(ctx, "redis-abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", string(data))
}
