package raster

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoData is returned when a location has no pixel value
var ErrNoData = errors.New("no data at location")

// ID identifies a single raster in the image service catalog (its object ID)
type ID string

// Ref returns the rendering rule reference for this raster ("$<id>")
func (id ID) Ref() string {
	return "$" + string(id)
}

// WebMercatorWKID is the spatial reference used by the map views
const WebMercatorWKID = 3857

// Point is a map location in the given spatial reference
type Point struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	WKID int     `json:"wkid"`
}

// Extent is an axis-aligned envelope in the given spatial reference
type Extent struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
	WKID int     `json:"wkid"`
}

// Width returns the extent width in map units
func (e Extent) Width() float64 {
	return e.XMax - e.XMin
}

// Height returns the extent height in map units
func (e Extent) Height() float64 {
	return e.YMax - e.YMin
}

// IsEmpty reports whether the extent has no area
func (e Extent) IsEmpty() bool {
	return e.Width() <= 0 || e.Height() <= 0
}

// Key returns a stable string for the extent, rounded to centimetres
func (e Extent) Key() string {
	return fmt.Sprintf("%d:%.2f,%.2f,%.2f,%.2f", e.WKID, e.XMin, e.YMin, e.XMax, e.YMax)
}

// Viewpoint is what a map view is looking at
type Viewpoint struct {
	Center   Point   `json:"center"`
	Scale    float64 `json:"scale"`
	Rotation float64 `json:"rotation"`
}

// TimeSpan is a closed time interval
type TimeSpan struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether the span is unset
func (t TimeSpan) IsZero() bool {
	return t.Start.IsZero() && t.End.IsZero()
}

// PixelSize is the native resolution of a raster in map units
type PixelSize struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Quality holds the catalog attributes used to admit a raster
type Quality struct {
	CloudCover  float64 `json:"cloudCover"`
	Category    int     `json:"category"`
	Best        int     `json:"best,omitempty"`
	Name        string  `json:"name,omitempty"`
	ProductName string  `json:"productName,omitempty"`
}

// Snapshot is one dated raster of the catalog. Snapshots are never mutated.
type Snapshot struct {
	ID              ID        `json:"id"`
	AcquisitionDate time.Time `json:"acquisitionDate"`
	Quality         Quality   `json:"quality"`
}

// ServiceInfo describes an image service as reported by its root resource
type ServiceInfo struct {
	Name           string    `json:"name"`
	ObjectIDField  string    `json:"objectIdField"`
	StartTimeField string    `json:"startTimeField"`
	TimeExtent     TimeSpan  `json:"timeExtent"`
	PixelSize      PixelSize `json:"pixelSize"`
	Extent         Extent    `json:"extent"`
}

// Catalog field names used when the service does not report its own
const (
	DefaultObjectIDField = "OBJECTID"
	DefaultDateField     = "AcquisitionDate"
)

// CatalogQuery is a request for the rasters intersecting an extent.
// IDField and DateField name the catalog attributes read into a Snapshot;
// empty values use the defaults.
type CatalogQuery struct {
	Extent    Extent
	TimeSpan  TimeSpan
	Where     string
	OutFields []string
	OrderBy   []string
	IDField   string
	DateField string
}

// IdentifyRequest asks for the pixel value of a rendering rule at a location
type IdentifyRequest struct {
	Location  Point
	PixelSize PixelSize
	Function  Function
}

// ExportRequest asks the service to render a rendering rule over an extent
type ExportRequest struct {
	Extent    Extent
	Width     int
	Height    int
	Function  Function
	Format    string
	PixelType string
}
