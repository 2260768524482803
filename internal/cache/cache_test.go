package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFile(t *testing.T, path string) File {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var f File
	require.NoError(t, json.Unmarshal(raw, &f))

	return f
}

func TestKey(t *testing.T) {
	assert.Equal(t, "Post:posts/a.md", Key("Post", "posts/a.md"))
}

func TestOpenMissingOrCorruptIsEmpty(t *testing.T) {
	dir := t.TempDir()

	c := Open(context.Background(), filepath.Join(dir, "missing.json"), time.Hour, nil)
	defer c.Close()
	assert.Empty(t, c.Snapshot().OutputIDs)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))
	c2 := Open(context.Background(), corrupt, time.Hour, nil)
	defer c2.Close()
	assert.Empty(t, c2.Snapshot().OutputIDs)
}

func TestHandleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".contentlayer", "cache.json")
	c := Open(context.Background(), path, time.Hour, nil)

	h := c.Regenerate("hash-1")
	assert.False(t, h.Exists("Post:a", 1))
	h.Add("Post:a", 1)
	h.Add("Post:b", 2)
	assert.True(t, h.Exists("Post:a", 1))
	assert.False(t, h.Exists("Post:a", 2))
	h.Remove("Post:b")
	assert.False(t, h.Exists("Post:b", 2))

	require.NoError(t, c.Close())
	f := readFile(t, path)
	assert.Equal(t, "hash-1", f.ConfigHash)
	assert.Equal(t, map[string]int64{"Post:a": 1}, f.OutputIDs)

	reopened := Open(context.Background(), path, time.Hour, nil)
	defer reopened.Close()
	assert.True(t, reopened.Regenerate("hash-1").Exists("Post:a", 1))
}

func TestRegenerateWithNewHashResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c := Open(context.Background(), path, time.Hour, nil)
	old := c.Regenerate("old")
	old.Add("Post:a", 1)

	fresh := c.Regenerate("new")
	assert.False(t, fresh.Exists("Post:a", 1))
	// A stale handle can no longer mutate or match.
	old.Add("Post:b", 1)
	assert.False(t, old.Exists("Post:a", 1))

	require.NoError(t, c.Close())
	f := readFile(t, path)
	assert.Equal(t, "new", f.ConfigHash)
	assert.Empty(t, f.OutputIDs)
}

func TestWriteBehindCoalesces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c := Open(context.Background(), path, 50*time.Millisecond, nil)
	defer c.Close()

	h := c.Regenerate("h")
	for i := 0; i < 100; i++ {
		h.Add(Key("Post", string(rune('a'+i%26))), int64(i))
	}

	assert.Eventually(t, func() bool { return c.Writes() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.LessOrEqual(t, c.Writes(), int64(2))
	assert.Len(t, readFile(t, path).OutputIDs, 26)
}

func TestCloseWritesEvenWhenClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c := Open(context.Background(), path, time.Hour, nil)
	require.NoError(t, c.Close())
	assert.Equal(t, int64(1), c.Writes())
	require.NoError(t, c.Close())
	assert.Equal(t, int64(1), c.Writes())
}
