package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// exportExt is the extension of cached export files
const exportExt = ".tif"

// ExportCache keeps rendered exports on disk with LRU eviction, so exporting
// the same difference over the same extent twice does not hit the service.
type ExportCache struct {
	baseDir   string
	maxSize   int64 // bytes
	currSize  int64 // atomic
	mu        sync.RWMutex
	index     map[string]*CacheEntry // key hash -> entry
	evictChan chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// CacheEntry represents a cached export
type CacheEntry struct {
	Hash       string
	FilePath   string
	Size       int64
	AccessTime time.Time
	CreateTime time.Time
}

// GetCacheDir returns the OS-specific export cache directory
func GetCacheDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "moisture-compare", "exports")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "moisture-compare", "cache", "exports")
	default:
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "moisture-compare", "exports")
	}
}

// NewExportCache creates an export cache in baseDir, picking up files left by
// earlier sessions
func NewExportCache(baseDir string, maxSizeMB int) (*ExportCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	cache := &ExportCache{
		baseDir:   baseDir,
		maxSize:   int64(maxSizeMB) * 1024 * 1024,
		index:     make(map[string]*CacheEntry),
		evictChan: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if err := cache.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load cache index: %w", err)
	}

	go cache.evictionWorker()

	return cache, nil
}

// hashKey maps a cache key to its file name. Keys embed rendering rules and
// are too long for file names.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Get returns a cached export
func (c *ExportCache) Get(key string) ([]byte, bool) {
	hash := hashKey(key)

	c.mu.RLock()
	entry, exists := c.index[hash]
	c.mu.RUnlock()
	if !exists {
		return nil, false
	}

	data, err := os.ReadFile(entry.FilePath)
	if err != nil {
		c.mu.Lock()
		if c.index[hash] == entry {
			delete(c.index, hash)
			atomic.AddInt64(&c.currSize, -entry.Size)
		}
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	entry.AccessTime = time.Now()
	c.mu.Unlock()

	return data, true
}

// Set stores an export
func (c *ExportCache) Set(key string, data []byte) error {
	hash := hashKey(key)
	filePath := filepath.Join(c.baseDir, hash[:2], hash+exportExt)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache subdirectory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	now := time.Now()
	entry := &CacheEntry{
		Hash:       hash,
		FilePath:   filePath,
		Size:       int64(len(data)),
		AccessTime: now,
		CreateTime: now,
	}

	c.mu.Lock()
	if old, exists := c.index[hash]; exists {
		atomic.AddInt64(&c.currSize, -old.Size)
	}
	c.index[hash] = entry
	c.mu.Unlock()

	if atomic.AddInt64(&c.currSize, entry.Size) > c.maxSize {
		select {
		case c.evictChan <- struct{}{}:
		default: // already signaled
		}
	}

	return nil
}

func (c *ExportCache) evictionWorker() {
	for {
		select {
		case <-c.evictChan:
			c.evict()
		case <-c.done:
			return
		}
	}
}

// evict removes least recently used exports until the cache is at 90% of its size
func (c *ExportCache) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()

	currSize := atomic.LoadInt64(&c.currSize)
	if currSize <= c.maxSize {
		return
	}
	targetSize := c.maxSize * 9 / 10

	entries := make([]*CacheEntry, 0, len(c.index))
	for _, entry := range c.index {
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b *CacheEntry) int {
		return a.AccessTime.Compare(b.AccessTime)
	})

	for _, entry := range entries {
		if currSize <= targetSize {
			break
		}
		os.Remove(entry.FilePath)
		delete(c.index, entry.Hash)
		atomic.AddInt64(&c.currSize, -entry.Size)
		currSize -= entry.Size
	}
}

// loadIndex scans the cache directory and rebuilds the in-memory index
func (c *ExportCache) loadIndex() error {
	return filepath.Walk(c.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != exportExt {
			return nil
		}

		hash := filepath.Base(path)
		hash = hash[:len(hash)-len(exportExt)]

		c.index[hash] = &CacheEntry{
			Hash:       hash,
			FilePath:   path,
			Size:       info.Size(),
			AccessTime: info.ModTime(),
			CreateTime: info.ModTime(),
		}
		atomic.AddInt64(&c.currSize, info.Size())
		return nil
	})
}

// Stats returns cache statistics
func (c *ExportCache) Stats() (entries int, sizeBytes int64, maxBytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index), atomic.LoadInt64(&c.currSize), c.maxSize
}

// Clear removes all cached exports
func (c *ExportCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.index {
		os.Remove(entry.FilePath)
	}
	c.index = make(map[string]*CacheEntry)
	atomic.StoreInt64(&c.currSize, 0)
	return nil
}

// GetCachePath returns the base directory of the cache
func (c *ExportCache) GetCachePath() string {
	return c.baseDir
}

// Close stops the eviction worker
func (c *ExportCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
