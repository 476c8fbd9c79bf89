// Package imageserver talks to an ArcGIS ImageServer REST endpoint: service
// metadata, catalog queries, point identify and rendered exports.
package imageserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"moisture-compare/internal/common"
	"moisture-compare/internal/ratelimit"
	"moisture-compare/internal/raster"
)

const (
	// DefaultServiceURL is the Landsat Level-2 surface reflectance service
	DefaultServiceURL = "https://landsatsr.imagery1.arcgis.com/arcgis/rest/services/LandsatC2L2/ImageServer"

	// UserAgent identifies the application to the service
	UserAgent = "MoistureCompare/1.0 (+https://walkthru.earth)"

	// pageSize is the number of catalog records requested per page. Services
	// with a lower maxRecordCount return shorter pages.
	pageSize = 1000

	// maxPages bounds a catalog query against services that ignore resultOffset
	maxPages = 50
)

var (
	// ErrNoData is returned by Identify when the location has no pixel value
	ErrNoData = raster.ErrNoData

	// ErrTooManyPages is returned when a catalog query does not end within maxPages
	ErrTooManyPages = errors.New("catalog query exceeded page limit")

	// ErrRateLimited is returned while the service is backing off
	ErrRateLimited = ratelimit.ErrRateLimited
)

// ServiceError is an error reported by the service in a JSON error envelope
type ServiceError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *ServiceError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("image service error %d: %s (%s)", e.Code, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("image service error %d: %s", e.Code, e.Message)
}

// Client handles communication with one image service
type Client struct {
	serviceURL string
	name       string
	httpClient *http.Client
	limiter    *ratelimit.Handler
}

// NewClient creates a client with system proxy support. limiter may be nil.
func NewClient(serviceURL string, limiter *ratelimit.Handler) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}

	serviceURL = strings.TrimRight(serviceURL, "/")
	return &Client{
		serviceURL: serviceURL,
		name:       serviceName(serviceURL),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		limiter: limiter,
	}
}

// Name returns the service name used for rate limit bookkeeping
func (c *Client) Name() string {
	return c.name
}

// serviceName extracts "LandsatC2L2" from ".../services/LandsatC2L2/ImageServer"
func serviceName(serviceURL string) string {
	parts := strings.Split(serviceURL, "/")
	for i := len(parts) - 1; i > 0; i-- {
		if strings.EqualFold(parts[i], "ImageServer") {
			return parts[i-1]
		}
	}
	return serviceURL
}

type serviceInfoResponse struct {
	Name          string  `json:"name"`
	ObjectIDField string  `json:"objectIdField"`
	PixelSizeX    float64 `json:"pixelSizeX"`
	PixelSizeY    float64 `json:"pixelSizeY"`
	Extent        struct {
		XMin             float64          `json:"xmin"`
		YMin             float64          `json:"ymin"`
		XMax             float64          `json:"xmax"`
		YMax             float64          `json:"ymax"`
		SpatialReference spatialReference `json:"spatialReference"`
	} `json:"extent"`
	TimeInfo struct {
		StartTimeField string  `json:"startTimeField"`
		TimeExtent     []int64 `json:"timeExtent"`
	} `json:"timeInfo"`
}

type spatialReference struct {
	WKID       int `json:"wkid"`
	LatestWKID int `json:"latestWkid,omitempty"`
}

// ServiceInfo fetches the service root resource
func (c *Client) ServiceInfo(ctx context.Context) (raster.ServiceInfo, error) {
	var resp serviceInfoResponse
	if err := c.getJSON(ctx, "", url.Values{}, &resp); err != nil {
		return raster.ServiceInfo{}, fmt.Errorf("failed to fetch service info: %w", err)
	}

	info := raster.ServiceInfo{
		Name:           resp.Name,
		ObjectIDField:  resp.ObjectIDField,
		StartTimeField: resp.TimeInfo.StartTimeField,
		PixelSize:      raster.PixelSize{X: resp.PixelSizeX, Y: resp.PixelSizeY},
		Extent: raster.Extent{
			XMin: resp.Extent.XMin,
			YMin: resp.Extent.YMin,
			XMax: resp.Extent.XMax,
			YMax: resp.Extent.YMax,
			WKID: resp.Extent.SpatialReference.wkid(),
		},
	}
	if len(resp.TimeInfo.TimeExtent) == 2 {
		info.TimeExtent = raster.TimeSpan{
			Start: common.FromEpochMillis(resp.TimeInfo.TimeExtent[0]),
			End:   common.FromEpochMillis(resp.TimeInfo.TimeExtent[1]),
		}
	}
	return info, nil
}

func (s spatialReference) wkid() int {
	if s.LatestWKID != 0 {
		return s.LatestWKID
	}
	return s.WKID
}

type queryResponse struct {
	ObjectIDFieldName     string `json:"objectIdFieldName"`
	ExceededTransferLimit bool   `json:"exceededTransferLimit"`
	Features              []struct {
		Attributes map[string]any `json:"attributes"`
	} `json:"features"`
}

// QueryRasters returns the catalog records matching query, following
// pagination until the service reports no more records
func (c *Client) QueryRasters(ctx context.Context, query raster.CatalogQuery) ([]raster.Snapshot, error) {
	params, err := queryParams(query)
	if err != nil {
		return nil, err
	}
	fields := attributeFields{id: query.IDField, date: query.DateField}
	if fields.date == "" {
		fields.date = raster.DefaultDateField
	}

	var snapshots []raster.Snapshot
	offset := 0
	for page := 0; ; page++ {
		if page == maxPages {
			return nil, fmt.Errorf("failed to query rasters: %w (%d records read)", ErrTooManyPages, len(snapshots))
		}
		params.Set("resultOffset", strconv.Itoa(offset))
		params.Set("resultRecordCount", strconv.Itoa(pageSize))

		var resp queryResponse
		if err := c.getJSON(ctx, "query", params, &resp); err != nil {
			return nil, fmt.Errorf("failed to query rasters: %w", err)
		}

		if fields.id == "" {
			fields.id = resp.ObjectIDFieldName
		}
		if fields.id == "" {
			fields.id = raster.DefaultObjectIDField
		}
		for _, feature := range resp.Features {
			snapshots = append(snapshots, fields.snapshot(feature.Attributes))
		}

		if !resp.ExceededTransferLimit || len(resp.Features) == 0 {
			break
		}
		// the service may cap pages below pageSize
		offset += len(resp.Features)
	}
	return snapshots, nil
}

func queryParams(query raster.CatalogQuery) (url.Values, error) {
	params := url.Values{}
	where := query.Where
	if where == "" {
		where = "1=1"
	}
	params.Set("where", where)
	params.Set("returnGeometry", "false")
	params.Set("outFields", strings.Join(query.OutFields, ","))
	if len(query.OrderBy) > 0 {
		params.Set("orderByFields", strings.Join(query.OrderBy, ","))
	}

	if !query.Extent.IsEmpty() {
		geometry, err := json.Marshal(envelope(query.Extent))
		if err != nil {
			return nil, fmt.Errorf("failed to encode extent: %w", err)
		}
		params.Set("geometry", string(geometry))
		params.Set("geometryType", "esriGeometryEnvelope")
		params.Set("inSR", strconv.Itoa(query.Extent.WKID))
		params.Set("spatialRel", "esriSpatialRelIntersects")
	}
	if !query.TimeSpan.IsZero() {
		params.Set("time", fmt.Sprintf("%d,%d",
			common.ToEpochMillis(query.TimeSpan.Start), common.ToEpochMillis(query.TimeSpan.End)))
	}
	return params, nil
}

func envelope(e raster.Extent) map[string]any {
	return map[string]any{
		"xmin":             e.XMin,
		"ymin":             e.YMin,
		"xmax":             e.XMax,
		"ymax":             e.YMax,
		"spatialReference": spatialReference{WKID: e.WKID},
	}
}

// attributeFields names the identity and date attributes of a catalog record
type attributeFields struct {
	id   string
	date string
}

func (f attributeFields) snapshot(attrs map[string]any) raster.Snapshot {
	return raster.Snapshot{
		ID:              raster.ID(attributeString(attrs[f.id])),
		AcquisitionDate: common.FromEpochMillis(int64(attributeFloat(attrs[f.date]))),
		Quality: raster.Quality{
			CloudCover:  attributeFloat(attrs["CloudCover"]),
			Category:    int(attributeFloat(attrs["Category"])),
			Best:        int(attributeFloat(attrs["Best"])),
			Name:        attributeString(attrs["Name"]),
			ProductName: attributeString(attrs["ProductName"]),
		},
	}
}

func attributeFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func attributeString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(s)
	}
}

type identifyResponse struct {
	ObjectID int    `json:"objectId"`
	Name     string `json:"name"`
	Value    string `json:"value"`
}

// Identify returns the value of a rendering rule at a location, evaluated at
// the requested pixel size
func (c *Client) Identify(ctx context.Context, req raster.IdentifyRequest) (float64, error) {
	geometry, err := json.Marshal(map[string]any{
		"x":                req.Location.X,
		"y":                req.Location.Y,
		"spatialReference": spatialReference{WKID: req.Location.WKID},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode location: %w", err)
	}
	pixelSize, err := json.Marshal(map[string]any{
		"x":                req.PixelSize.X,
		"y":                req.PixelSize.Y,
		"spatialReference": spatialReference{WKID: req.Location.WKID},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode pixel size: %w", err)
	}

	params := url.Values{}
	params.Set("geometry", string(geometry))
	params.Set("geometryType", "esriGeometryPoint")
	params.Set("pixelSize", string(pixelSize))
	params.Set("returnGeometry", "false")
	params.Set("returnCatalogItems", "false")
	params.Set("returnPixelValues", "true")
	params.Set("processAsMultidimensional", "false")
	if !req.Function.IsZero() {
		rule, err := req.Function.JSON()
		if err != nil {
			return 0, fmt.Errorf("failed to encode rendering rule: %w", err)
		}
		params.Set("renderingRule", rule)
	}

	var resp identifyResponse
	if err := c.getJSON(ctx, "identify", params, &resp); err != nil {
		return 0, fmt.Errorf("failed to identify: %w", err)
	}
	return parsePixelValue(resp.Value)
}

// parsePixelValue reads the first band of an identify value ("0.25" or "0.25 0.1")
func parsePixelValue(value string) (float64, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 || strings.EqualFold(fields[0], "NoData") {
		return 0, ErrNoData
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse pixel value %q: %w", value, err)
	}
	return v, nil
}

// ExportImage renders a rendering rule over an extent and returns the image bytes
func (c *Client) ExportImage(ctx context.Context, req raster.ExportRequest) ([]byte, error) {
	format := req.Format
	if format == "" {
		format = "tiff"
	}

	params := url.Values{}
	params.Set("bbox", fmt.Sprintf("%f,%f,%f,%f", req.Extent.XMin, req.Extent.YMin, req.Extent.XMax, req.Extent.YMax))
	params.Set("bboxSR", strconv.Itoa(req.Extent.WKID))
	params.Set("imageSR", strconv.Itoa(req.Extent.WKID))
	params.Set("size", fmt.Sprintf("%d,%d", req.Width, req.Height))
	params.Set("format", format)
	params.Set("interpolation", "RSP_NearestNeighbor")
	if req.PixelType != "" {
		params.Set("pixelType", req.PixelType)
	}
	if !req.Function.IsZero() {
		rule, err := req.Function.JSON()
		if err != nil {
			return nil, fmt.Errorf("failed to encode rendering rule: %w", err)
		}
		params.Set("renderingRule", rule)
	}
	params.Set("f", "image")

	resp, err := c.do(ctx, "exportImage", params)
	if err != nil {
		return nil, fmt.Errorf("failed to export image: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read exported image: %w", err)
	}

	// Errors come back as a JSON envelope even for f=image
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") || (len(data) > 0 && data[0] == '{') {
		if err := decodeEnvelope(data, nil); err != nil {
			return nil, fmt.Errorf("failed to export image: %w", err)
		}
		return nil, fmt.Errorf("failed to export image: unexpected JSON response")
	}
	return data, nil
}

// getJSON performs a GET with f=json and decodes the response into out
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("f", "json")

	resp, err := c.do(ctx, path, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	return decodeEnvelope(data, out)
}

// decodeEnvelope surfaces a service error envelope, otherwise decodes data into out
func decodeEnvelope(data []byte, out any) error {
	var envelope struct {
		Error *ServiceError `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do sends a GET request to the service, honouring the rate limiter
func (c *Client) do(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Allow(c.name); err != nil {
			return nil, err
		}
	}

	endpoint := c.serviceURL
	if path != "" {
		endpoint += "/" + path
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if c.limiter != nil && c.limiter.CheckResponse(c.name, resp) {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP %d", ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		log.Printf("[ImageServer] %s request failed with status: %d", path, resp.StatusCode)
		return nil, fmt.Errorf("%s request failed with status: %d", path, resp.StatusCode)
	}
	return resp, nil
}
