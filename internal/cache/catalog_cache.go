package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"moisture-compare/internal/raster"
)

// Config represents catalog cache configuration
type Config struct {
	MaxEntries int           `json:"maxEntries"`
	TTL        time.Duration `json:"ttl"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		MaxEntries: 64,
		TTL:        10 * time.Minute,
	}
}

// CatalogCache keeps recently resolved catalogs keyed by extent, with LRU
// eviction and a time-to-live so new acquisitions eventually show up.
type CatalogCache struct {
	lru *expirable.LRU[string, raster.Catalog]
}

// NewCatalogCache creates a catalog cache. Non-positive values fall back to defaults.
func NewCatalogCache(cfg Config) *CatalogCache {
	defaults := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaults.MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}

	return &CatalogCache{
		lru: expirable.NewLRU[string, raster.Catalog](cfg.MaxEntries, nil, cfg.TTL),
	}
}

// Get returns the cached catalog for an extent
func (c *CatalogCache) Get(extent raster.Extent) (raster.Catalog, bool) {
	return c.lru.Get(extent.Key())
}

// Set stores the catalog resolved for an extent
func (c *CatalogCache) Set(extent raster.Extent, catalog raster.Catalog) {
	c.lru.Add(extent.Key(), catalog)
}

// Stats returns the number of cached catalogs
func (c *CatalogCache) Stats() (entries int) {
	return c.lru.Len()
}

// Clear removes all cached catalogs
func (c *CatalogCache) Clear() {
	c.lru.Purge()
}
