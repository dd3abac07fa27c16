// Package cache holds the persistent state shared between runs: the result
// cache, the on-disk data cache and the lock that serializes their builders.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/opscart/nfit/pkg/logging"
	"github.com/opscart/nfit/pkg/models"
)

// EntryKey addresses one cached ProfileResult
type EntryKey struct {
	Fingerprint string
	ID          string
}

func (k EntryKey) String() string {
	return k.Fingerprint + "/" + k.ID
}

// Key hashes the entity, the canonical profile parameters and the data
// fingerprint into a cache key
func Key(entity, params, fingerprint string) EntryKey {
	d := xxhash.New()
	for _, part := range []string{entity, params, fingerprint} {
		d.WriteString(part)
		d.Write([]byte{0})
	}
	return EntryKey{Fingerprint: fingerprint, ID: fmt.Sprintf("%016x", d.Sum64())}
}

// ResultCache memoizes ProfileResults in memory and on disk. Disk entries are
// committed with a rename; at most one computation per key runs at a time.
type ResultCache struct {
	dir    string
	ttl    time.Duration
	logger *zap.Logger

	mutex sync.RWMutex
	data  map[string]*resultEntry
	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

type resultEntry struct {
	result    models.ProfileResult
	expiresAt time.Time
}

type diskEntry struct {
	Key      string               `json:"key"`
	StoredAt time.Time            `json:"stored_at"`
	Result   models.ProfileResult `json:"result"`
}

// NewResultCache creates a cache rooted at dir. An empty dir keeps the cache
// in memory only; a zero ttl never expires memory entries.
func NewResultCache(dir string, ttl time.Duration, logger *zap.Logger) *ResultCache {
	return &ResultCache{
		dir:    dir,
		ttl:    ttl,
		logger: logging.OrNop(logger),
		data:   make(map[string]*resultEntry),
	}
}

func (c *ResultCache) path(key EntryKey) string {
	return filepath.Join(c.dir, key.Fingerprint, key.ID+".json")
}

// Get returns a cached result. A corrupt disk entry is removed and reported
// as a miss.
func (c *ResultCache) Get(key EntryKey) (models.ProfileResult, bool) {
	if r, ok := c.getMemory(key); ok {
		c.hits.Add(1)
		return r, true
	}
	if r, ok := c.getDisk(key); ok {
		c.setMemory(key, r)
		c.hits.Add(1)
		return r, true
	}
	c.misses.Add(1)
	return models.ProfileResult{}, false
}

func (c *ResultCache) getMemory(key EntryKey) (models.ProfileResult, bool) {
	c.mutex.RLock()
	entry, exists := c.data[key.String()]
	c.mutex.RUnlock()
	if !exists {
		return models.ProfileResult{}, false
	}

	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.mutex.Lock()
		delete(c.data, key.String())
		c.mutex.Unlock()
		return models.ProfileResult{}, false
	}
	return entry.result, true
}

func (c *ResultCache) setMemory(key EntryKey, r models.ProfileResult) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data[key.String()] = &resultEntry{
		result:    r,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *ResultCache) getDisk(key EntryKey) (models.ProfileResult, bool) {
	if c.dir == "" {
		return models.ProfileResult{}, false
	}
	path := c.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Failed to read cached result", zap.String("path", path), zap.Error(err))
		}
		return models.ProfileResult{}, false
	}

	var entry diskEntry
	err = json.Unmarshal(data, &entry)
	if err == nil && entry.Key != key.String() {
		err = fmt.Errorf("entry key %q does not match", entry.Key)
	}
	if err != nil {
		corrupt := &models.CacheCorruptionError{Path: path, Cause: err}
		c.logger.Warn("Discarding corrupt cache entry", zap.Error(corrupt))
		os.Remove(path)
		return models.ProfileResult{}, false
	}
	return entry.Result, true
}

// Put stores a result in memory and commits it to disk
func (c *ResultCache) Put(key EntryKey, r models.ProfileResult) error {
	c.setMemory(key, r)
	if c.dir == "" {
		return nil
	}

	data, err := json.Marshal(diskEntry{Key: key.String(), StoredAt: time.Now().UTC(), Result: r})
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path(key)), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := writeFileAtomic(c.path(key), data); err != nil {
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}
	return nil
}

// GetOrCompute returns the cached result for key, computing and storing it on
// a miss. Concurrent callers for the same key share one computation. Errors
// are not cached.
func (c *ResultCache) GetOrCompute(ctx context.Context, key EntryKey, compute func(context.Context) (models.ProfileResult, error)) (models.ProfileResult, bool, error) {
	if r, ok := c.Get(key); ok {
		return r, true, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if r, ok := c.getMemory(key); ok {
			return r, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Put(key, r); err != nil {
			c.logger.Warn("Failed to persist result", zap.String("key", key.String()), zap.Error(err))
		}
		return r, nil
	})
	if err != nil {
		return models.ProfileResult{}, false, err
	}
	return v.(models.ProfileResult), false, nil
}

// Prune drops every entry not built from the given data fingerprint and
// returns how many fingerprint generations were removed
func (c *ResultCache) Prune(keep string) (int, error) {
	c.mutex.Lock()
	for k := range c.data {
		if !strings.HasPrefix(k, keep+"/") {
			delete(c.data, k)
		}
	}
	c.mutex.Unlock()

	if c.dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || e.Name() == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		c.logger.Info("Pruned stale results", zap.Int("generations", removed), zap.String("fingerprint", keep))
	}
	return removed, errors.Join(errs...)
}

// Clear empties both tiers
func (c *ResultCache) Clear() error {
	c.mutex.Lock()
	c.data = make(map[string]*resultEntry)
	c.mutex.Unlock()

	if c.dir == "" {
		return nil
	}
	return os.RemoveAll(c.dir)
}

// Stats reports hit and miss counts since creation
func (c *ResultCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
