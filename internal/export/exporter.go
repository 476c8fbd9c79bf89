// Package export writes the classified difference of the current extent to disk.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/image/tiff"

	"moisture-compare/internal/cache"
	"moisture-compare/internal/common"
	"moisture-compare/internal/difference"
	"moisture-compare/internal/raster"
	"moisture-compare/internal/utils/naming"
	"moisture-compare/pkg/geotiff"
)

// DefaultMaxPixels caps the longest side of an export. Image servers reject
// sizes above their configured maximum (4100 by default).
const DefaultMaxPixels = 4000

// noDataValue is the pixel value of cells outside every class range
const noDataValue = uint8(difference.NoData)

// ErrInvalidExtent is returned for empty or non Web Mercator extents
var ErrInvalidExtent = errors.New("export extent must be a non-empty Web Mercator envelope")

// Service renders a rendering rule over an extent
type Service interface {
	ExportImage(ctx context.Context, req raster.ExportRequest) ([]byte, error)
}

// Options configures an Exporter
type Options struct {
	// Cache is optional; without it every export hits the service
	Cache     *cache.ExportCache
	OutDir    string
	MaxPixels int
}

// Progress reports the stage of a running export
type Progress struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
}

// Summary holds the per-class pixel counts of an exported difference
type Summary struct {
	ID         string        `json:"id"`
	BeforeID   raster.ID     `json:"beforeId"`
	AfterID    raster.ID     `json:"afterId"`
	BeforeDate string        `json:"beforeDate"`
	AfterDate  string        `json:"afterDate"`
	Extent     raster.Extent `json:"extent"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Loss       int           `json:"loss"`
	NoChange   int           `json:"noChange"`
	Gain       int           `json:"gain"`
	NoData     int           `json:"noData"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// Total returns the number of pixels counted
func (s Summary) Total() int {
	return s.Loss + s.NoChange + s.Gain + s.NoData
}

// Share returns the fraction of valid pixels in class c, or the fraction of
// all pixels for NoData
func (s Summary) Share(c difference.Class) float64 {
	valid := s.Loss + s.NoChange + s.Gain
	switch c {
	case difference.Loss:
		return ratio(s.Loss, valid)
	case difference.NoChange:
		return ratio(s.NoChange, valid)
	case difference.Gain:
		return ratio(s.Gain, valid)
	default:
		return ratio(s.NoData, s.Total())
	}
}

// MarshalJSON adds the shares to the serialized summary
func (s Summary) MarshalJSON() ([]byte, error) {
	type plain Summary
	return json.Marshal(struct {
		plain
		Shares map[string]float64 `json:"shares"`
	}{
		plain: plain(s),
		Shares: map[string]float64{
			"loss":     s.Share(difference.Loss),
			"noChange": s.Share(difference.NoChange),
			"gain":     s.Share(difference.Gain),
			"noData":   s.Share(difference.NoData),
		},
	})
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

// Result describes the files written by an export
type Result struct {
	TIFFPath    string  `json:"tiffPath"`
	SummaryPath string  `json:"summaryPath"`
	Cached      bool    `json:"cached"`
	Summary     Summary `json:"summary"`
}

// Exporter renders the classified difference through the image service and
// writes it as a georeferenced single-band GeoTIFF with a JSON summary
type Exporter struct {
	service   Service
	cache     *cache.ExportCache
	outDir    string
	maxPixels int

	mu         sync.Mutex
	onProgress func(Progress)
}

// NewExporter creates an exporter
func NewExporter(service Service, opts Options) *Exporter {
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	return &Exporter{
		service:   service,
		cache:     opts.Cache,
		outDir:    opts.OutDir,
		maxPixels: opts.MaxPixels,
	}
}

// SetProgressCallback sets the callback for export progress
func (e *Exporter) SetProgressCallback(fn func(Progress)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onProgress = fn
}

func (e *Exporter) emitProgress(stage string, percent int) {
	e.mu.Lock()
	fn := e.onProgress
	e.mu.Unlock()
	if fn != nil {
		fn(Progress{Stage: stage, Percent: percent})
	}
}

// FitSize scales an extent so its longest side is maxPixels, keeping the aspect ratio
func FitSize(extent raster.Extent, maxPixels int) (width, height int) {
	w, h := extent.Width(), extent.Height()
	if w >= h {
		width = maxPixels
		height = int(float64(maxPixels)*h/w + 0.5)
	} else {
		height = maxPixels
		width = int(float64(maxPixels)*w/h + 0.5)
	}
	return max(width, 1), max(height, 1)
}

// Export renders the classified output of state over extent and writes it to
// the output directory. before and after supply the dates used in the file name.
func (e *Exporter) Export(ctx context.Context, state difference.State, before, after raster.Snapshot, extent raster.Extent) (*Result, error) {
	if state.BeforeID == "" || state.AfterID == "" || state.Classified.Function.IsZero() {
		return nil, difference.ErrMissingInput
	}
	if extent.IsEmpty() || extent.WKID != raster.WebMercatorWKID {
		return nil, ErrInvalidExtent
	}

	width, height := FitSize(extent, e.maxPixels)
	rule, err := state.Classified.Function.JSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode rendering rule: %w", err)
	}
	key := fmt.Sprintf("%s|%s|%dx%d", rule, extent.Key(), width, height)

	e.emitProgress("requesting", 10)
	data, cached := e.lookup(key)
	if !cached {
		log.Printf("[Export] Requesting %dx%d classified difference %s vs %s", width, height, state.BeforeID, state.AfterID)
		data, err = e.service.ExportImage(ctx, raster.ExportRequest{
			Extent:    extent,
			Width:     width,
			Height:    height,
			Function:  state.Classified.Function,
			Format:    "tiff",
			PixelType: raster.PixelTypeU8,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to export difference: %w", err)
		}
		if e.cache != nil {
			if err := e.cache.Set(key, data); err != nil {
				log.Printf("[Export] Failed to cache export: %v", err)
			}
		}
	}

	e.emitProgress("decoding", 50)
	classes, err := decodeClasses(data)
	if err != nil {
		return nil, err
	}

	summary := Summarize(classes)
	summary.ID = uuid.NewString()
	summary.BeforeID = state.BeforeID
	summary.AfterID = state.AfterID
	summary.BeforeDate = common.FormatISO8601(before.AcquisitionDate)
	summary.AfterDate = common.FormatISO8601(after.AcquisitionDate)
	summary.Extent = extent
	summary.CreatedAt = time.Now().UTC()

	e.emitProgress("writing", 80)
	if err := os.MkdirAll(e.outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	name := naming.GenerateDifferenceFilename(before.AcquisitionDate, after.AcquisitionDate, difference.ModeClassified.String(), extent)
	tifPath := filepath.Join(e.outDir, name)
	if err := writeGeoTIFF(tifPath, classes, extent, summary); err != nil {
		return nil, err
	}

	summaryPath := filepath.Join(e.outDir, naming.SummaryFilename(name))
	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.WriteFile(summaryPath, encoded, 0644); err != nil {
		return nil, fmt.Errorf("failed to write summary: %w", err)
	}

	log.Printf("[Export] Saved %s (loss %.1f%%, gain %.1f%%)", tifPath,
		summary.Share(difference.Loss)*100, summary.Share(difference.Gain)*100)
	e.emitProgress("complete", 100)

	return &Result{TIFFPath: tifPath, SummaryPath: summaryPath, Cached: cached, Summary: summary}, nil
}

func (e *Exporter) lookup(key string) ([]byte, bool) {
	if e.cache == nil {
		return nil, false
	}
	return e.cache.Get(key)
}

// decodeClasses decodes a single-band 8-bit TIFF of class values
func decodeClasses(data []byte) (*image.Gray, error) {
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode exported image: %w", err)
	}

	switch m := img.(type) {
	case *image.Gray:
		return m, nil
	case *image.Paletted:
		// palette indexes are the class values
		gray := image.NewGray(m.Bounds())
		for y := m.Rect.Min.Y; y < m.Rect.Max.Y; y++ {
			for x := m.Rect.Min.X; x < m.Rect.Max.X; x++ {
				gray.Pix[gray.PixOffset(x, y)] = m.ColorIndexAt(x, y)
			}
		}
		return gray, nil
	default:
		gray := image.NewGray(img.Bounds())
		draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)
		return gray, nil
	}
}

// Summarize counts the pixels of each change class
func Summarize(classes *image.Gray) Summary {
	b := classes.Bounds()
	s := Summary{Width: b.Dx(), Height: b.Dy()}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			switch difference.Class(classes.GrayAt(x, y).Y) {
			case difference.Loss:
				s.Loss++
			case difference.NoChange:
				s.NoChange++
			case difference.Gain:
				s.Gain++
			default:
				s.NoData++
			}
		}
	}
	return s
}

func writeGeoTIFF(path string, classes *image.Gray, extent raster.Extent, summary Summary) error {
	b := classes.Bounds()
	tags, err := geotiff.WebMercatorTags(geotiff.Bounds{
		XMin: extent.XMin,
		YMin: extent.YMin,
		XMax: extent.XMax,
		YMax: extent.YMax,
	}, b.Dx(), b.Dy(), fmt.Sprintf("%d", noDataValue))
	if err != nil {
		return fmt.Errorf("failed to build GeoTIFF tags: %w", err)
	}
	tags[geotiff.TagType_ImageDescription] = fmt.Sprintf("NDMI change %s vs %s (1=loss 2=no change 3=gain)",
		summary.BeforeDate, summary.AfterDate)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create GeoTIFF: %w", err)
	}
	defer f.Close()

	if err := geotiff.Encode(f, classes, tags); err != nil {
		return fmt.Errorf("failed to save GeoTIFF: %w", err)
	}
	return nil
}
