package imageserver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moisture-compare/internal/ratelimit"
	"moisture-compare/internal/raster"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL+"/arcgis/rest/services/LandsatC2L2/ImageServer", nil)
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "LandsatC2L2", NewClient(DefaultServiceURL, nil).Name())
	assert.Equal(t, "LandsatC2L2", NewClient(DefaultServiceURL+"/", nil).Name())
}

func TestServiceInfo(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/arcgis/rest/services/LandsatC2L2/ImageServer", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("f"))
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))
		fmt.Fprint(w, `{
			"name": "LandsatC2L2",
			"objectIdField": "OBJECTID",
			"pixelSizeX": 30,
			"pixelSizeY": 30,
			"extent": {"xmin": -1, "ymin": -2, "xmax": 3, "ymax": 4,
				"spatialReference": {"wkid": 102100, "latestWkid": 3857}},
			"timeInfo": {"startTimeField": "AcquisitionDate",
				"timeExtent": [1364774400000, 1717200000000]}
		}`)
	})

	info, err := client.ServiceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "OBJECTID", info.ObjectIDField)
	assert.Equal(t, "AcquisitionDate", info.StartTimeField)
	assert.Equal(t, raster.PixelSize{X: 30, Y: 30}, info.PixelSize)
	assert.Equal(t, 3857, info.Extent.WKID)
	assert.Equal(t, time.UnixMilli(1364774400000).UTC(), info.TimeExtent.Start)
	assert.Equal(t, time.UnixMilli(1717200000000).UTC(), info.TimeExtent.End)
}

func TestQueryRastersBuildsRequestAndPages(t *testing.T) {
	var mu sync.Mutex
	var offsets []string

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/arcgis/rest/services/LandsatC2L2/ImageServer/query", r.URL.Path)
		assert.Equal(t, "(Category = 1)", q.Get("where"))
		assert.Equal(t, "esriGeometryEnvelope", q.Get("geometryType"))
		assert.Equal(t, "3857", q.Get("inSR"))
		assert.Equal(t, "AcquisitionDate DESC", q.Get("orderByFields"))
		assert.Equal(t, "0,86400000", q.Get("time"))
		assert.Equal(t, "OBJECTID,AcquisitionDate", q.Get("outFields"))

		var geometry map[string]any
		require.NoError(t, json.Unmarshal([]byte(q.Get("geometry")), &geometry))
		assert.Equal(t, 10.0, geometry["xmin"])

		mu.Lock()
		offsets = append(offsets, q.Get("resultOffset"))
		mu.Unlock()

		if q.Get("resultOffset") == "0" {
			fmt.Fprint(w, `{"objectIdFieldName": "OBJECTID", "exceededTransferLimit": true, "features": [
				{"attributes": {"OBJECTID": 7, "AcquisitionDate": 1700000000000, "CloudCover": 0.01, "Category": 1, "Name": "LC09_A"}}
			]}`)
			return
		}
		fmt.Fprint(w, `{"objectIdFieldName": "OBJECTID", "features": [
			{"attributes": {"OBJECTID": 8, "AcquisitionDate": 1600000000000, "CloudCover": 0.03, "Category": 1}}
		]}`)
	})

	snapshots, err := client.QueryRasters(context.Background(), raster.CatalogQuery{
		Extent:    raster.Extent{XMin: 10, YMin: 10, XMax: 20, YMax: 20, WKID: raster.WebMercatorWKID},
		TimeSpan:  raster.TimeSpan{Start: time.UnixMilli(0), End: time.UnixMilli(86400000)},
		Where:     "(Category = 1)",
		OutFields: []string{"OBJECTID", "AcquisitionDate"},
		OrderBy:   []string{"AcquisitionDate DESC"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"0", "1"}, offsets)
	require.Len(t, snapshots, 2)
	assert.Equal(t, raster.ID("7"), snapshots[0].ID)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), snapshots[0].AcquisitionDate)
	assert.Equal(t, 0.01, snapshots[0].Quality.CloudCover)
	assert.Equal(t, 1, snapshots[0].Quality.Category)
	assert.Equal(t, "LC09_A", snapshots[0].Quality.Name)
	assert.Equal(t, raster.ID("8"), snapshots[1].ID)
}

// catalogServer serves total records in pages of at most pageCap, like a
// service with a low maxRecordCount
func catalogServer(t *testing.T, total, pageCap int, honourOffset bool) (*Client, func() int) {
	t.Helper()
	var mu sync.Mutex
	requests := 0
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()

		offset, _ := strconv.Atoi(r.URL.Query().Get("resultOffset"))
		if !honourOffset {
			offset = 0
		}
		end := min(offset+pageCap, total)
		features := make([]map[string]any, 0, end-offset)
		for i := offset; i < end; i++ {
			features = append(features, map[string]any{"attributes": map[string]any{
				"OID": i + 1, "StartDate": 1600000000000 + int64(i)*86400000,
			}})
		}
		body, err := json.Marshal(map[string]any{
			"exceededTransferLimit": end < total || !honourOffset,
			"features":              features,
		})
		require.NoError(t, err)
		w.Write(body)
	})
	return client, func() int {
		mu.Lock()
		defer mu.Unlock()
		return requests
	}
}

func TestQueryRastersFollowsShortPages(t *testing.T) {
	client, requests := catalogServer(t, 250, 100, true)

	snapshots, err := client.QueryRasters(context.Background(), raster.CatalogQuery{
		IDField:   "OID",
		DateField: "StartDate",
	})
	require.NoError(t, err)
	require.Len(t, snapshots, 250)
	assert.Equal(t, 3, requests())
	assert.Equal(t, raster.ID("1"), snapshots[0].ID)
	assert.Equal(t, raster.ID("250"), snapshots[249].ID)
	assert.Equal(t, time.UnixMilli(1600000000000).UTC(), snapshots[0].AcquisitionDate)
}

func TestQueryRastersStopsWhenOffsetIsIgnored(t *testing.T) {
	client, requests := catalogServer(t, 250, 100, false)

	_, err := client.QueryRasters(context.Background(), raster.CatalogQuery{})
	assert.ErrorIs(t, err, ErrTooManyPages)
	assert.Equal(t, maxPages, requests())
}

func TestServiceErrorEnvelope(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error": {"code": 400, "message": "Invalid where clause", "details": ["bad token"]}}`)
	})

	_, err := client.QueryRasters(context.Background(), raster.CatalogQuery{})
	require.Error(t, err)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, 400, serviceErr.Code)
	assert.Contains(t, err.Error(), "bad token")
}

func TestIdentify(t *testing.T) {
	rule := raster.Arithmetic("$1", "$2", raster.ArithmeticMinus, raster.PixelTypeF32)

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/arcgis/rest/services/LandsatC2L2/ImageServer/identify", r.URL.Path)
		assert.Equal(t, "esriGeometryPoint", q.Get("geometryType"))

		var pixelSize map[string]any
		require.NoError(t, json.Unmarshal([]byte(q.Get("pixelSize")), &pixelSize))
		assert.Equal(t, 30.0, pixelSize["x"])

		var got raster.Function
		require.NoError(t, json.Unmarshal([]byte(q.Get("renderingRule")), &got))
		assert.Equal(t, "Arithmetic", got.Name)

		fmt.Fprint(w, `{"objectId": 0, "name": "Pixel", "value": "-0.3125"}`)
	})

	v, err := client.Identify(context.Background(), raster.IdentifyRequest{
		Location:  raster.Point{X: 1, Y: 2, WKID: raster.WebMercatorWKID},
		PixelSize: raster.PixelSize{X: 30, Y: 30},
		Function:  rule,
	})
	require.NoError(t, err)
	assert.Equal(t, -0.3125, v)
}

func TestParsePixelValue(t *testing.T) {
	v, err := parsePixelValue("0.5 0.25")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	_, err = parsePixelValue("NoData")
	assert.ErrorIs(t, err, ErrNoData)
	_, err = parsePixelValue("")
	assert.ErrorIs(t, err, ErrNoData)
	_, err = parsePixelValue("abc")
	assert.Error(t, err)
}

func TestExportImage(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/arcgis/rest/services/LandsatC2L2/ImageServer/exportImage", r.URL.Path)
		assert.Equal(t, "image", q.Get("f"))
		assert.Equal(t, "4,3", q.Get("size"))
		assert.Equal(t, "U8", q.Get("pixelType"))
		w.Header().Set("Content-Type", "image/tiff")
		w.Write([]byte("II*\x00"))
	})

	data, err := client.ExportImage(context.Background(), raster.ExportRequest{
		Extent:    raster.Extent{XMin: 0, YMin: 0, XMax: 4, YMax: 3, WKID: raster.WebMercatorWKID},
		Width:     4,
		Height:    3,
		PixelType: raster.PixelTypeU8,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("II*\x00"), data)
}

func TestExportImageErrorEnvelope(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"error": {"code": 500, "message": "Error exporting image"}}`)
	})

	_, err := client.ExportImage(context.Background(), raster.ExportRequest{Width: 1, Height: 1})
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, 500, serviceErr.Code)
}

func TestRateLimitedServiceFailsFast(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	limiter := ratelimit.NewHandler(nil)
	limiter.SetAutoRetry(false)
	defer limiter.Close()
	client := NewClient(server.URL+"/rest/services/Landsat/ImageServer", limiter)

	_, err := client.Identify(context.Background(), raster.IdentifyRequest{})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, limiter.IsRateLimited("Landsat"))

	_, err = client.Identify(context.Background(), raster.IdentifyRequest{})
	assert.ErrorIs(t, err, ErrRateLimited)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestRequestsHonourContext(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.QueryRasters(ctx, raster.CatalogQuery{})
	assert.ErrorIs(t, err, context.Canceled)
}
