// Package cache records which document versions have been built for a
// configuration hash, persisting the record with a write-behind loop.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	natomic "github.com/natefinch/atomic"

	"github.com/conneroisu/contentlayer/internal/logging"
)

// File is the on-disk cache format.
type File struct {
	ConfigHash string           `json:"configHash"`
	OutputIDs  map[string]int64 `json:"outputIds"`
}

// Key namespaces a document id by its type.
func Key(documentType, id string) string {
	return documentType + ":" + id
}

// Cache is the content cache. Mutations only mark it dirty; a single
// background loop performs the file writes.
type Cache struct {
	path   string
	delay  time.Duration
	logger logging.Logger

	mutex sync.Mutex
	data  File
	dirty bool

	writeMutex sync.Mutex
	writes     int64

	signal    chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open loads the cache file at path and starts the write-behind loop. A
// missing or unreadable file yields an empty cache.
func Open(ctx context.Context, path string, writeDelay time.Duration, logger logging.Logger) *Cache {
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Cache{
		path:   path,
		delay:  writeDelay,
		logger: logger.WithComponent("content_cache"),
		data:   File{OutputIDs: make(map[string]int64)},
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.load(ctx)

	c.wg.Add(1)
	go c.loop(ctx)

	return c
}

func (c *Cache) load(ctx context.Context) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn(ctx, err, "Failed to read cache file, starting empty", "path", c.path)
		}

		return
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		c.logger.Warn(ctx, err, "Failed to parse cache file, starting empty", "path", c.path)

		return
	}
	if f.OutputIDs == nil {
		f.OutputIDs = make(map[string]int64)
	}
	c.data = f
}

// Regenerate returns a handle for configHash. If the stored hash differs,
// every recorded id is dropped.
func (c *Cache) Regenerate(configHash string) *Handle {
	c.mutex.Lock()
	if c.data.ConfigHash != configHash {
		c.data = File{ConfigHash: configHash, OutputIDs: make(map[string]int64)}
		c.markDirty()
	}
	c.mutex.Unlock()

	return &Handle{cache: c, hash: configHash}
}

// markDirty must be called with c.mutex held.
func (c *Cache) markDirty() {
	c.dirty = true
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the in-memory state.
func (c *Cache) Snapshot() File {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ids := make(map[string]int64, len(c.data.OutputIDs))
	for k, v := range c.data.OutputIDs {
		ids[k] = v
	}

	return File{ConfigHash: c.data.ConfigHash, OutputIDs: ids}
}

// Writes returns how many times the file has been written.
func (c *Cache) Writes() int64 {
	return atomic.LoadInt64(&c.writes)
}

func (c *Cache) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-c.signal:
		}

		timer := time.NewTimer(c.delay)
		select {
		case <-timer.C:
		case <-c.done:
			timer.Stop()

			return
		case <-ctx.Done():
			timer.Stop()

			return
		}
		if err := c.write(false); err != nil {
			c.logger.Error(ctx, err, "Failed to write cache file", "path", c.path)
		}
	}
}

func (c *Cache) write(force bool) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	c.mutex.Lock()
	if !c.dirty && !force {
		c.mutex.Unlock()

		return nil
	}
	data, err := json.Marshal(c.data)
	c.dirty = false
	c.mutex.Unlock()
	if err != nil {
		return fmt.Errorf("encoding cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	if err := natomic.WriteFile(c.path, bytes.NewReader(data)); err != nil {
		c.mutex.Lock()
		c.dirty = true
		c.mutex.Unlock()

		return fmt.Errorf("writing cache file: %w", err)
	}
	atomic.AddInt64(&c.writes, 1)

	return nil
}

// Close stops the write-behind loop and performs a final write.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		err = c.write(true)
	})

	return err
}

// Handle is a view of the cache bound to one configuration hash.
type Handle struct {
	cache *Cache
	hash  string
}

// ConfigHash returns the hash the handle was created for.
func (h *Handle) ConfigHash() string { return h.hash }

// Exists reports whether key was recorded with exactly version.
func (h *Handle) Exists(key string, version int64) bool {
	h.cache.mutex.Lock()
	defer h.cache.mutex.Unlock()
	if h.cache.data.ConfigHash != h.hash {
		return false
	}
	v, ok := h.cache.data.OutputIDs[key]

	return ok && v == version
}

// Add records key at version.
func (h *Handle) Add(key string, version int64) {
	h.cache.mutex.Lock()
	defer h.cache.mutex.Unlock()
	if h.cache.data.ConfigHash != h.hash {
		return
	}
	if v, ok := h.cache.data.OutputIDs[key]; ok && v == version {
		return
	}
	h.cache.data.OutputIDs[key] = version
	h.cache.markDirty()
}

// Remove forgets key.
func (h *Handle) Remove(key string) {
	h.cache.mutex.Lock()
	defer h.cache.mutex.Unlock()
	if h.cache.data.ConfigHash != h.hash {
		return
	}
	if _, ok := h.cache.data.OutputIDs[key]; !ok {
		return
	}
	delete(h.cache.data.OutputIDs, key)
	h.cache.markDirty()
}
