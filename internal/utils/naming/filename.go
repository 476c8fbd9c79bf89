package naming

import (
	"fmt"
	"strings"
	"time"

	"moisture-compare/internal/common"
	"moisture-compare/internal/raster"
)

// GenerateDifferenceFilename creates a standardized name for an exported difference
// Format: ndmi-diff_{before}_vs_{after}_{mode}_{bbox}.tif
func GenerateDifferenceFilename(before, after time.Time, mode string, extent raster.Extent) string {
	return fmt.Sprintf("ndmi-diff_%s_vs_%s_%s_%s.tif",
		common.FormatISO8601(before),
		common.FormatISO8601(after),
		strings.ToLower(strings.ReplaceAll(mode, " ", "-")),
		bboxString(extent))
}

// SummaryFilename returns the sidecar name for an exported GeoTIFF
func SummaryFilename(tiffName string) string {
	return strings.TrimSuffix(tiffName, ".tif") + "_summary.json"
}

// bboxString renders a Web Mercator extent as south-north_west-east in degrees
func bboxString(extent raster.Extent) string {
	west, south := WebMercatorToLonLat(extent.XMin, extent.YMin)
	east, north := WebMercatorToLonLat(extent.XMax, extent.YMax)
	return fmt.Sprintf("%s-%s_%s-%s",
		SanitizeCoordinate(south, true),
		SanitizeCoordinate(north, true),
		SanitizeCoordinate(west, false),
		SanitizeCoordinate(east, false))
}
