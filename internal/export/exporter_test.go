package export

import (
	"bytes"
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"moisture-compare/internal/cache"
	"moisture-compare/internal/difference"
	"moisture-compare/internal/raster"
	"moisture-compare/pkg/geotiff"
)

type fakeService struct {
	mu       sync.Mutex
	requests []raster.ExportRequest
	data     []byte
	err      error
}

func (f *fakeService) ExportImage(_ context.Context, req raster.ExportRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.data, f.err
}

func (f *fakeService) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// classTIFF encodes a 4x2 class raster: one loss, two no change, three gain, two no data
func classTIFF(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 2))
	copy(img.Pix, []uint8{1, 2, 2, 3, 3, 3, 0, 0})
	var buf bytes.Buffer
	require.NoError(t, geotiff.Encode(&buf, img, nil))
	return buf.Bytes()
}

func testState(t *testing.T) difference.State {
	t.Helper()
	state, err := difference.NewEngine(difference.Config{}).Compute("3", "1", difference.ModeClassified)
	require.NoError(t, err)
	return state
}

var (
	beforeSnap = raster.Snapshot{ID: "3", AcquisitionDate: time.Date(2024, 3, 21, 0, 0, 0, 0, time.UTC)}
	afterSnap  = raster.Snapshot{ID: "1", AcquisitionDate: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)}
	testExtent = raster.Extent{XMin: -13050000, YMin: 4030000, XMax: -13040000, YMax: 4035000, WKID: raster.WebMercatorWKID}
)

func TestFitSize(t *testing.T) {
	w, h := FitSize(raster.Extent{XMax: 200, YMax: 100}, 1000)
	assert.Equal(t, 1000, w)
	assert.Equal(t, 500, h)

	w, h = FitSize(raster.Extent{XMax: 100, YMax: 300}, 900)
	assert.Equal(t, 300, w)
	assert.Equal(t, 900, h)

	w, h = FitSize(raster.Extent{XMax: 1e6, YMax: 1}, 100)
	assert.Equal(t, 100, w)
	assert.Equal(t, 1, h)
}

func TestExportWritesGeoTIFFAndSummary(t *testing.T) {
	svc := &fakeService{data: classTIFF(t)}
	out := t.TempDir()
	exporter := NewExporter(svc, Options{OutDir: out, MaxPixels: 400})

	var stages []string
	exporter.SetProgressCallback(func(p Progress) { stages = append(stages, p.Stage) })

	state := testState(t)
	result, err := exporter.Export(context.Background(), state, beforeSnap, afterSnap, testExtent)
	require.NoError(t, err)

	require.Len(t, svc.requests, 1)
	req := svc.requests[0]
	assert.Equal(t, 400, req.Width)
	assert.Equal(t, 200, req.Height)
	assert.Equal(t, "tiff", req.Format)
	assert.Equal(t, raster.PixelTypeU8, req.PixelType)
	assert.Equal(t, state.Classified.Function, req.Function)

	s := result.Summary
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 1, s.Loss)
	assert.Equal(t, 2, s.NoChange)
	assert.Equal(t, 3, s.Gain)
	assert.Equal(t, 2, s.NoData)
	assert.InDelta(t, 0.5, s.Share(difference.Gain), 1e-9)
	assert.InDelta(t, 0.25, s.Share(difference.NoData), 1e-9)
	assert.Equal(t, "2024-03-21", s.BeforeDate)
	assert.Equal(t, "2024-03-05", s.AfterDate)
	assert.False(t, result.Cached)
	assert.Equal(t, []string{"requesting", "decoding", "writing", "complete"}, stages)

	assert.Equal(t, out, filepath.Dir(result.TIFFPath))
	assert.Contains(t, filepath.Base(result.TIFFPath), "ndmi-diff_2024-03-21_vs_2024-03-05_classified_")

	f, err := os.Open(result.TIFFPath)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := tiff.Decode(f)
	require.NoError(t, err)
	gray, ok := decoded.(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, []uint8{1, 2, 2, 3, 3, 3, 0, 0}, gray.Pix)

	raw, err := os.ReadFile(result.SummaryPath)
	require.NoError(t, err)
	var written map[string]any
	require.NoError(t, json.Unmarshal(raw, &written))
	assert.EqualValues(t, 3, written["gain"])
	shares, ok := written["shares"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0.5, shares["gain"], 1e-9)
}

func TestExportUsesCache(t *testing.T) {
	c, err := cache.NewExportCache(t.TempDir(), 10)
	require.NoError(t, err)
	defer c.Close()

	svc := &fakeService{data: classTIFF(t)}
	exporter := NewExporter(svc, Options{Cache: c, OutDir: t.TempDir()})
	state := testState(t)

	first, err := exporter.Export(context.Background(), state, beforeSnap, afterSnap, testExtent)
	require.NoError(t, err)
	second, err := exporter.Export(context.Background(), state, beforeSnap, afterSnap, testExtent)
	require.NoError(t, err)

	assert.Equal(t, 1, svc.calls())
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.NotEqual(t, first.Summary.ID, second.Summary.ID)
	assert.Equal(t, first.Summary.Gain, second.Summary.Gain)
}

func TestExportRejectsMissingInput(t *testing.T) {
	svc := &fakeService{}
	exporter := NewExporter(svc, Options{OutDir: t.TempDir()})

	_, err := exporter.Export(context.Background(), difference.State{}, beforeSnap, afterSnap, testExtent)
	assert.ErrorIs(t, err, difference.ErrMissingInput)

	geographic := testExtent
	geographic.WKID = 4326
	_, err = exporter.Export(context.Background(), testState(t), beforeSnap, afterSnap, geographic)
	assert.ErrorIs(t, err, ErrInvalidExtent)

	_, err = exporter.Export(context.Background(), testState(t), beforeSnap, afterSnap, raster.Extent{WKID: raster.WebMercatorWKID})
	assert.ErrorIs(t, err, ErrInvalidExtent)

	assert.Zero(t, svc.calls())
}

func TestExportServiceFailure(t *testing.T) {
	boom := errors.New("service unavailable")
	out := filepath.Join(t.TempDir(), "exports")
	exporter := NewExporter(&fakeService{err: boom}, Options{OutDir: out})

	_, err := exporter.Export(context.Background(), testState(t), beforeSnap, afterSnap, testExtent)
	assert.ErrorIs(t, err, boom)
	assert.NoDirExists(t, out)
}

func TestExportRejectsUndecodableImage(t *testing.T) {
	exporter := NewExporter(&fakeService{data: []byte("not a tiff")}, Options{OutDir: t.TempDir()})

	_, err := exporter.Export(context.Background(), testState(t), beforeSnap, afterSnap, testExtent)
	assert.Error(t, err)
}

func TestSummarizeEmptyShares(t *testing.T) {
	s := Summarize(image.NewGray(image.Rect(0, 0, 2, 2)))
	assert.Equal(t, 4, s.NoData)
	assert.Zero(t, s.Share(difference.Loss))
	assert.Equal(t, 1.0, s.Share(difference.NoData))
}
