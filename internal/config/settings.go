package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"moisture-compare/internal/cache"
	"moisture-compare/internal/common"
	"moisture-compare/internal/difference"
	"moisture-compare/internal/imageserver"
	"moisture-compare/internal/raster"
)

// Environment variables that override persisted settings
const (
	EnvImageServiceURL = "MOISTURE_IMAGE_SERVICE_URL"
	EnvExportPath      = "MOISTURE_EXPORT_PATH"
)

// UserSettings represents persistent user preferences
type UserSettings struct {
	InstallID string `json:"installId"`

	// Image service
	ImageServiceURL string `json:"imageServiceUrl"`

	// Catalog admissibility, fixed for a session
	Category      int     `json:"category"`
	MinCloudCover float64 `json:"minCloudCover"`
	MaxCloudCover float64 `json:"maxCloudCover"`

	// Fixed time span as ISO dates. Empty uses the service time extent.
	TimeSpanStart string `json:"timeSpanStart"`
	TimeSpanEnd   string `json:"timeSpanEnd"`

	// Moisture index bands (0-based band IDs)
	NIRBandID  int `json:"nirBandId"`
	SWIRBandID int `json:"swirBandId"`

	// Difference
	Epsilon               float64 `json:"epsilon"`
	DefaultDifferenceMode string  `json:"defaultDifferenceMode"` // "continuous" or "classified"
	AnalysisOpacity       float64 `json:"analysisOpacity"`

	// Catalog resolution
	QuiescenceMs           int `json:"quiescenceMs"`
	CatalogCacheEntries    int `json:"catalogCacheEntries"`
	CatalogCacheTTLMinutes int `json:"catalogCacheTTLMinutes"`

	// Export
	ExportPath      string `json:"exportPath"`
	ExportMaxPixels int    `json:"exportMaxPixels"` // longest side of an exported image

	// Session
	LastCenterX float64 `json:"lastCenterX"`
	LastCenterY float64 `json:"lastCenterY"`
	LastScale   float64 `json:"lastScale"`

	AutoRetryOnRateLimit bool `json:"autoRetryOnRateLimit"`

	// file values replaced by environment overrides, keyed by variable
	shadowed map[string]shadowedValue
}

type shadowedValue struct {
	file string
	env  string
}

// DefaultSettings returns default user settings
func DefaultSettings() *UserSettings {
	homeDir, _ := os.UserHomeDir()
	filter := raster.DefaultFilter()
	bands := difference.DefaultBands()
	cacheConfig := cache.DefaultConfig()

	return &UserSettings{
		InstallID:              uuid.NewString(),
		ImageServiceURL:        imageserver.DefaultServiceURL,
		Category:               filter.Category,
		MinCloudCover:          filter.MinCloudCover,
		MaxCloudCover:          filter.MaxCloudCover,
		NIRBandID:              bands.NIR,
		SWIRBandID:             bands.SWIR,
		Epsilon:                difference.DefaultEpsilon,
		DefaultDifferenceMode:  difference.ModeContinuous.String(),
		AnalysisOpacity:        0.5,
		QuiescenceMs:           300,
		CatalogCacheEntries:    cacheConfig.MaxEntries,
		CatalogCacheTTLMinutes: int(cacheConfig.TTL / time.Minute),
		ExportPath:             filepath.Join(homeDir, "Downloads", "moisture-compare"),
		ExportMaxPixels:        2048,
		LastCenterX:            -13358338.9, // Sacramento Valley, Web Mercator
		LastCenterY:            4676393.6,
		LastScale:              577790.6,
		AutoRetryOnRateLimit:   true,
	}
}

// GetSettingsPath returns the OS-specific settings file path
func GetSettingsPath() string {
	homeDir, _ := os.UserHomeDir()

	// ~/.walkthru-earth/moisture-compare/settings/
	baseDir := filepath.Join(homeDir, ".walkthru-earth", "moisture-compare", "settings")
	os.MkdirAll(baseDir, 0755)

	return filepath.Join(baseDir, "settings.json")
}

// LoadSettings loads user settings from the default location
func LoadSettings() (*UserSettings, error) {
	return LoadSettingsFrom(GetSettingsPath())
}

// LoadSettingsFrom loads user settings from path, filling missing fields with defaults
func LoadSettingsFrom(path string) (*UserSettings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultSettings(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings UserSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	settings.mergeDefaults(DefaultSettings())
	return &settings, nil
}

func (s *UserSettings) mergeDefaults(defaults *UserSettings) {
	if s.InstallID == "" {
		s.InstallID = defaults.InstallID
	}
	if s.ImageServiceURL == "" {
		s.ImageServiceURL = defaults.ImageServiceURL
	}
	if s.Category == 0 {
		s.Category = defaults.Category
	}
	if s.MaxCloudCover == 0 {
		s.MaxCloudCover = defaults.MaxCloudCover
	}
	// band 0 is valid, so only an entirely unset pair is replaced
	if s.NIRBandID == 0 && s.SWIRBandID == 0 {
		s.NIRBandID = defaults.NIRBandID
		s.SWIRBandID = defaults.SWIRBandID
	}
	if s.Epsilon == 0 {
		s.Epsilon = defaults.Epsilon
	}
	if s.DefaultDifferenceMode == "" {
		s.DefaultDifferenceMode = defaults.DefaultDifferenceMode
	}
	if s.AnalysisOpacity == 0 {
		s.AnalysisOpacity = defaults.AnalysisOpacity
	}
	if s.QuiescenceMs == 0 {
		s.QuiescenceMs = defaults.QuiescenceMs
	}
	if s.CatalogCacheEntries == 0 {
		s.CatalogCacheEntries = defaults.CatalogCacheEntries
	}
	if s.CatalogCacheTTLMinutes == 0 {
		s.CatalogCacheTTLMinutes = defaults.CatalogCacheTTLMinutes
	}
	if s.ExportPath == "" {
		s.ExportPath = defaults.ExportPath
	}
	if s.ExportMaxPixels == 0 {
		s.ExportMaxPixels = defaults.ExportMaxPixels
	}
	if s.LastScale == 0 {
		s.LastCenterX = defaults.LastCenterX
		s.LastCenterY = defaults.LastCenterY
		s.LastScale = defaults.LastScale
	}
}

// SaveSettings saves user settings to the default location
func SaveSettings(settings *UserSettings) error {
	return SaveSettingsTo(GetSettingsPath(), settings)
}

// SaveSettingsTo saves user settings to path
func SaveSettingsTo(path string, settings *UserSettings) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings.persisted(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// LoadEnv reads .env files into the process environment. Missing files are
// ignored; variables already set win.
func LoadEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[Config] Failed to load %s: %v", file, err)
		}
	}
}

// ApplyEnv overrides settings from the environment. Overridden fields are
// saved with their file value unless they were changed after the override.
func (s *UserSettings) ApplyEnv() {
	s.override(EnvImageServiceURL, &s.ImageServiceURL)
	s.override(EnvExportPath, &s.ExportPath)
}

func (s *UserSettings) override(name string, field *string) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return
	}
	if s.shadowed == nil {
		s.shadowed = make(map[string]shadowedValue)
	}
	s.shadowed[name] = shadowedValue{file: *field, env: v}
	*field = v
}

// InheritEnv carries the environment overrides of prev over to s, so settings
// edited in the UI keep the file values of fields still holding an override
func (s *UserSettings) InheritEnv(prev *UserSettings) {
	s.shadowed = prev.shadowed
}

// persisted returns the settings as they should be written to disk
func (s *UserSettings) persisted() UserSettings {
	out := *s
	restore := func(name string, field *string) {
		if v, ok := s.shadowed[name]; ok && *field == v.env {
			*field = v.file
		}
	}
	restore(EnvImageServiceURL, &out.ImageServiceURL)
	restore(EnvExportPath, &out.ExportPath)
	return out
}

// Validate checks settings before they are saved
func (s *UserSettings) Validate() error {
	if s.ImageServiceURL == "" {
		return fmt.Errorf("image service URL cannot be empty")
	}
	if s.MinCloudCover < 0 || s.MaxCloudCover > 1 || s.MinCloudCover > s.MaxCloudCover {
		return fmt.Errorf("invalid cloud cover range: %.2f-%.2f", s.MinCloudCover, s.MaxCloudCover)
	}
	if s.NIRBandID < 0 || s.SWIRBandID < 0 || s.NIRBandID == s.SWIRBandID {
		return fmt.Errorf("invalid band IDs: nir=%d swir=%d", s.NIRBandID, s.SWIRBandID)
	}
	if s.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive")
	}
	if _, err := difference.ParseMode(s.DefaultDifferenceMode); err != nil {
		return err
	}
	if s.AnalysisOpacity <= 0 || s.AnalysisOpacity > 1 {
		return fmt.Errorf("analysis opacity must be in (0, 1]")
	}
	if s.QuiescenceMs <= 0 {
		return fmt.Errorf("quiescence must be positive")
	}
	if s.ExportPath == "" {
		return fmt.Errorf("export path cannot be empty")
	}
	if _, err := s.TimeSpan(); err != nil {
		return err
	}
	return nil
}

// Filter returns the catalog admissibility predicate
func (s *UserSettings) Filter() raster.Filter {
	return raster.Filter{
		Category:      s.Category,
		MinCloudCover: s.MinCloudCover,
		MaxCloudCover: s.MaxCloudCover,
	}
}

// Bands returns the moisture index band IDs
func (s *UserSettings) Bands() difference.Bands {
	return difference.Bands{NIR: s.NIRBandID, SWIR: s.SWIRBandID}
}

// Mode returns the default difference mode, continuous if unparseable
func (s *UserSettings) Mode() difference.Mode {
	mode, err := difference.ParseMode(s.DefaultDifferenceMode)
	if err != nil {
		return difference.ModeContinuous
	}
	return mode
}

// Quiescence returns the catalog debounce period
func (s *UserSettings) Quiescence() time.Duration {
	return time.Duration(s.QuiescenceMs) * time.Millisecond
}

// CacheConfig returns the catalog cache configuration
func (s *UserSettings) CacheConfig() cache.Config {
	return cache.Config{
		MaxEntries: s.CatalogCacheEntries,
		TTL:        time.Duration(s.CatalogCacheTTLMinutes) * time.Minute,
	}
}

// InitialViewpoint returns the last saved map position
func (s *UserSettings) InitialViewpoint() raster.Viewpoint {
	return raster.Viewpoint{
		Center: raster.Point{X: s.LastCenterX, Y: s.LastCenterY, WKID: raster.WebMercatorWKID},
		Scale:  s.LastScale,
	}
}

// TimeSpan returns the configured time span. A zero span means the service
// time extent should be used. An open end runs to the end of today.
func (s *UserSettings) TimeSpan() (raster.TimeSpan, error) {
	if s.TimeSpanStart == "" && s.TimeSpanEnd == "" {
		return raster.TimeSpan{}, nil
	}

	var span raster.TimeSpan
	if s.TimeSpanStart != "" {
		start, err := common.ParseISO8601(s.TimeSpanStart)
		if err != nil {
			return raster.TimeSpan{}, fmt.Errorf("invalid time span start: %w", err)
		}
		span.Start = start
	}
	if s.TimeSpanEnd != "" {
		end, err := common.ParseISO8601(s.TimeSpanEnd)
		if err != nil {
			return raster.TimeSpan{}, fmt.Errorf("invalid time span end: %w", err)
		}
		span.End = end.Add(24*time.Hour - time.Millisecond)
	} else {
		year, month, day := time.Now().UTC().Date()
		span.End = time.Date(year, month, day, 23, 59, 59, 0, time.UTC)
	}
	if span.End.Before(span.Start) {
		return raster.TimeSpan{}, fmt.Errorf("time span ends before it starts")
	}
	return span, nil
}
