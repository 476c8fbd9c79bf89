package geotiff

import "fmt"

// GeoKey IDs and values used for projected Web Mercator rasters
const (
	geoKeyModelType        = 1024
	geoKeyRasterType       = 1025
	geoKeyProjectedCSType  = 3072
	modelTypeProjected     = 1
	rasterPixelIsArea      = 1
	epsgWebMercator        = 3857
	geoKeyDirectoryVersion = 1
	geoKeyRevision         = 1
	geoKeyMinorRevision    = 0
)

// Bounds is a georeferenced envelope in EPSG:3857 metres
type Bounds struct {
	XMin, YMin, XMax, YMax float64
}

// WebMercatorTags returns the GeoTIFF tags placing a width x height image
// over bounds in EPSG:3857. noData, when not empty, is written as the GDAL
// nodata value.
func WebMercatorTags(bounds Bounds, width, height int, noData string) (map[uint16]interface{}, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if bounds.XMax <= bounds.XMin || bounds.YMax <= bounds.YMin {
		return nil, fmt.Errorf("invalid bounds")
	}

	scaleX := (bounds.XMax - bounds.XMin) / float64(width)
	scaleY := (bounds.YMax - bounds.YMin) / float64(height)

	tags := map[uint16]interface{}{
		TagType_ModelPixelScaleTag: []float64{scaleX, scaleY, 0},
		// raster (0,0) is the upper-left corner of the envelope
		TagType_ModelTiepointTag: []float64{0, 0, 0, bounds.XMin, bounds.YMax, 0},
		TagType_GeoKeyDirectoryTag: []uint16{
			geoKeyDirectoryVersion, geoKeyRevision, geoKeyMinorRevision, 3,
			geoKeyModelType, 0, 1, modelTypeProjected,
			geoKeyRasterType, 0, 1, rasterPixelIsArea,
			geoKeyProjectedCSType, 0, 1, epsgWebMercator,
		},
	}
	if noData != "" {
		tags[TagType_GDALNoData] = noData
	}
	return tags, nil
}
