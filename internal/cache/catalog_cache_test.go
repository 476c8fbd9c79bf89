package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moisture-compare/internal/raster"
)

func TestCatalogCacheRoundTrip(t *testing.T) {
	c := NewCatalogCache(Config{})
	extent := raster.Extent{XMin: 0, YMin: 0, XMax: 100, YMax: 100, WKID: raster.WebMercatorWKID}
	catalog := raster.Catalog{{ID: "7", AcquisitionDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}}

	_, ok := c.Get(extent)
	assert.False(t, ok)

	c.Set(extent, catalog)
	got, ok := c.Get(extent)
	require.True(t, ok)
	assert.Equal(t, catalog, got)
	assert.Equal(t, 1, c.Stats())

	c.Clear()
	assert.Equal(t, 0, c.Stats())
}

func TestCatalogCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCatalogCache(Config{MaxEntries: 1, TTL: time.Minute})
	a := raster.Extent{XMax: 1, YMax: 1}
	b := raster.Extent{XMax: 2, YMax: 2}

	c.Set(a, raster.Catalog{{ID: "a"}})
	c.Set(b, raster.Catalog{{ID: "b"}})

	_, ok := c.Get(a)
	assert.False(t, ok)
	_, ok = c.Get(b)
	assert.True(t, ok)
}
