package main

import (
	"moisture-compare/internal/ratelimit"
)

// Rate Limit Management Functions (Wails-exported)

// ManualRetryRateLimit lets the user retry the image service before the backoff expires
func (a *App) ManualRetryRateLimit() {
	a.rateLimitHandler.ManualRetry(a.client.Name())

	// Refresh the dates of the last view now that queries are allowed again
	a.mu.Lock()
	resolver, extent := a.resolver, a.extent
	a.mu.Unlock()
	if resolver != nil && !extent.IsEmpty() {
		resolver.Stationary(extent)
	}
}

// GetRateLimitStatus returns the current rate limit state of the image service
func (a *App) GetRateLimitStatus() *ratelimit.RateLimitEvent {
	return a.rateLimitHandler.GetCurrentState(a.client.Name())
}

// IsRateLimited checks if the image service is currently rate limited
func (a *App) IsRateLimited() bool {
	return a.rateLimitHandler.IsRateLimited(a.client.Name())
}

// SetAutoRetryRateLimit enables or disables automatic rate limit retries
func (a *App) SetAutoRetryRateLimit(enabled bool) {
	a.rateLimitHandler.SetAutoRetry(enabled)

	a.mu.Lock()
	a.settings.AutoRetryOnRateLimit = enabled
	// Note: Settings will be saved when app closes via shutdown() hook
	a.mu.Unlock()
}

// Cache Management Functions (Wails-exported)

// CacheStats represents cache statistics for frontend
type CacheStats struct {
	Entries        int     `json:"entries"`
	SizeBytes      int64   `json:"sizeBytes"`
	MaxBytes       int64   `json:"maxBytes"`
	SizeMB         float64 `json:"sizeMB"`
	MaxMB          float64 `json:"maxMB"`
	CachePath      string  `json:"cachePath"`
	CatalogEntries int     `json:"catalogEntries"`
}

// GetCacheStats returns current cache statistics
func (a *App) GetCacheStats() CacheStats {
	stats := CacheStats{CatalogEntries: a.catalogCache.Stats()}
	if a.exportCache == nil {
		return stats
	}

	entries, sizeBytes, maxBytes := a.exportCache.Stats()
	stats.Entries = entries
	stats.SizeBytes = sizeBytes
	stats.MaxBytes = maxBytes
	stats.SizeMB = float64(sizeBytes) / 1024 / 1024
	stats.MaxMB = float64(maxBytes) / 1024 / 1024
	stats.CachePath = a.exportCache.GetCachePath()
	return stats
}

// ClearCache removes cached catalogs and exports
func (a *App) ClearCache() error {
	a.catalogCache.Clear()
	if a.exportCache != nil {
		return a.exportCache.Clear()
	}
	return nil
}
