package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	goruntime "runtime"
	"sync"

	"github.com/posthog/posthog-go"
	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"

	"moisture-compare/internal/cache"
	"moisture-compare/internal/catalog"
	"moisture-compare/internal/common"
	"moisture-compare/internal/compare"
	"moisture-compare/internal/config"
	"moisture-compare/internal/difference"
	"moisture-compare/internal/export"
	"moisture-compare/internal/identify"
	"moisture-compare/internal/imageserver"
	"moisture-compare/internal/ratelimit"
	"moisture-compare/internal/raster"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// exportCacheMaxSizeMB bounds the on-disk cache of rendered exports
const exportCacheMaxSizeMB = 256

// fallbackPixelSize is the Landsat native resolution, used when the service
// info cannot be read
var fallbackPixelSize = raster.PixelSize{X: 30, Y: 30}

// App struct
type App struct {
	ctx      context.Context
	settings *config.UserSettings
	mu       sync.Mutex
	devMode  bool // Enable verbose logging in dev mode only
	phClient posthog.Client

	rateLimitHandler *ratelimit.Handler
	client           *imageserver.Client
	catalogCache     *cache.CatalogCache
	exportCache      *cache.ExportCache
	engine           *difference.Engine
	viewers          *viewerFactory
	layer            *analysisLayer

	// Created at startup once the service info is known
	resolver   *catalog.Resolver
	sampler    *identify.Sampler
	controller *compare.Controller
	exporter   *export.Exporter
	extent     raster.Extent // last stationary view extent
}

// NewApp creates a new App application struct
func NewApp() *App {
	// Load user settings
	settings, err := config.LoadSettings()
	if err != nil {
		log.Printf("Failed to load settings, using defaults: %v", err)
		settings = config.DefaultSettings()
	}
	settings.ApplyEnv()
	log.Printf("Settings loaded from: %s", config.GetSettingsPath())

	rateLimitHandler := ratelimit.NewHandler(ratelimit.DefaultRetryStrategy())
	rateLimitHandler.SetAutoRetry(settings.AutoRetryOnRateLimit)

	// Initialize export cache
	cacheDir := cache.GetCacheDir()
	exportCache, err := cache.NewExportCache(cacheDir, exportCacheMaxSizeMB)
	if err != nil {
		log.Printf("Failed to initialize export cache: %v", err)
		exportCache = nil // Continue without cache
	} else {
		log.Printf("Export cache initialized at %s (max %d MB)", cacheDir, exportCacheMaxSizeMB)
	}

	// Initialize PostHog
	var phClient posthog.Client
	if PostHogKey != "" {
		phConfig := posthog.Config{
			Endpoint: PostHogHost,
		}
		client, err := posthog.NewWithConfig(PostHogKey, phConfig)
		if err != nil {
			log.Printf("Failed to initialize PostHog: %v", err)
		} else {
			phClient = client
		}
	}

	return &App{
		settings:         settings,
		phClient:         phClient,
		rateLimitHandler: rateLimitHandler,
		client:           imageserver.NewClient(settings.ImageServiceURL, rateLimitHandler),
		catalogCache:     cache.NewCatalogCache(settings.CacheConfig()),
		exportCache:      exportCache,
		engine: difference.NewEngine(difference.Config{
			Bands:   settings.Bands(),
			Epsilon: settings.Epsilon,
		}),
	}
}

// startup is called when the app starts
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	a.viewers = newViewerFactory(ctx)
	a.layer = newAnalysisLayer(ctx, a.settings.AnalysisOpacity)

	// Create export directory if it doesn't exist
	os.MkdirAll(a.settings.ExportPath, 0755)

	a.rateLimitHandler.SetOnRateLimit(func(event ratelimit.RateLimitEvent) {
		wailsRuntime.EventsEmit(ctx, "rate-limit-detected", event)
	})
	a.rateLimitHandler.SetOnRetry(func(event ratelimit.RateLimitEvent) {
		wailsRuntime.EventsEmit(ctx, "rate-limit-retry", event)
	})
	a.rateLimitHandler.SetOnRecovered(func(service string) {
		wailsRuntime.EventsEmit(ctx, "rate-limit-recovered", service)
	})

	// Connect to the image service in background; slots wait for the frontend views
	go func() {
		if err := a.startCompare(ctx); err != nil {
			a.reportError(err)
			return
		}
		wailsRuntime.LogInfo(ctx, fmt.Sprintf("Compare session started on %s", a.client.Name()))
	}()

	// Track app start
	a.TrackEvent("app_started", map[string]interface{}{
		"version": a.GetAppVersion(),
		"os":      goruntime.GOOS,
		"arch":    goruntime.GOARCH,
		"service": a.client.Name(),
	})
}

// startCompare reads the service info, wires the compare session and loads both slots
func (a *App) startCompare(ctx context.Context) error {
	span, err := a.settings.TimeSpan()
	if err != nil {
		return fmt.Errorf("failed to read time span: %w", err)
	}

	pixelSize := fallbackPixelSize
	var idField, dateField string
	info, err := a.client.ServiceInfo(ctx)
	if err != nil {
		// Queries still work without it; only the defaults are lost
		a.reportError(fmt.Errorf("failed to read service info: %w", err))
	} else {
		if info.PixelSize.X > 0 && info.PixelSize.Y > 0 {
			pixelSize = info.PixelSize
		}
		if span.IsZero() {
			span = info.TimeExtent
		}
		idField, dateField = info.ObjectIDField, info.StartTimeField
		log.Printf("[Compare] Service %s: time extent %s, pixel size %.0fx%.0f",
			info.Name, formatSpan(span), pixelSize.X, pixelSize.Y)
	}

	resolver := catalog.NewResolver(a.client, catalog.Options{
		ObjectIDField: idField,
		DateField:     dateField,
		TimeSpan:      span,
		Filter:        a.settings.Filter(),
		Quiescence:    a.settings.Quiescence(),
		Cache:         a.catalogCache,
		OnError:       a.catalogError,
	})
	sampler := identify.NewSampler(a.client, pixelSize, a.reportError)
	initial := a.settings.InitialViewpoint()
	before := compare.NewSlot(compare.Before, a.viewers, initial)
	after := compare.NewSlot(compare.After, a.viewers, initial)
	controller := compare.NewController(before, after, compare.Options{
		Catalogs: resolver,
		Engine:   a.engine,
		Sampler:  sampler,
		Layer:    a.layer,
		Mode:     a.settings.Mode(),
	})

	for _, slot := range []*compare.Slot{before, after} {
		role := slot.Role().String()
		slot.OnDatesChanged(func(options []compare.DateOption) {
			wailsRuntime.EventsEmit(ctx, "slot-dates-changed", map[string]interface{}{
				"role":    role,
				"options": options,
			})
		})
		slot.OnSelectionChanged(func(id raster.ID) {
			wailsRuntime.EventsEmit(ctx, "slot-selection-changed", map[string]interface{}{
				"role": role,
				"id":   id,
			})
		})
	}
	controller.OnDifferenceReady(func(state difference.State) {
		wailsRuntime.EventsEmit(ctx, "difference-ready", state)
		a.TrackEvent("difference_computed", map[string]interface{}{
			"mode": state.Mode.String(),
		})
	})
	sampler.OnSampleChanged(func(sample identify.Sample) {
		wailsRuntime.EventsEmit(ctx, "sample-changed", newSampleView(sample, a.engine))
	})

	exporter := export.NewExporter(a.client, export.Options{
		Cache:     a.exportCache,
		OutDir:    a.settings.ExportPath,
		MaxPixels: a.settings.ExportMaxPixels,
	})
	exporter.SetProgressCallback(func(p export.Progress) {
		wailsRuntime.EventsEmit(ctx, "export-progress", p)
	})

	a.mu.Lock()
	a.resolver = resolver
	a.sampler = sampler
	a.controller = controller
	a.exporter = exporter
	a.mu.Unlock()

	if err := controller.Start(ctx); err != nil {
		return err
	}

	// Views may have reported an extent while the slots were loading
	a.mu.Lock()
	extent := a.extent
	a.mu.Unlock()
	if !extent.IsEmpty() {
		resolver.Stationary(extent)
	}
	return nil
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	a.mu.Lock()
	controller, resolver, sampler := a.controller, a.resolver, a.sampler
	a.mu.Unlock()

	if controller != nil {
		controller.Close()
	}
	if resolver != nil {
		resolver.Close()
	}
	if sampler != nil {
		sampler.Close()
	}
	if a.exportCache != nil {
		a.exportCache.Close()
	}
	a.rateLimitHandler.Close()

	a.mu.Lock()
	if err := config.SaveSettings(a.settings); err != nil {
		log.Printf("Failed to save settings on shutdown: %v", err)
	}
	a.mu.Unlock()

	if a.phClient != nil {
		a.phClient.Close()
	}
}

// TrackEvent sends an event to PostHog
func (a *App) TrackEvent(event string, props map[string]interface{}) {
	if a.phClient != nil {
		a.phClient.Enqueue(posthog.Capture{
			DistinctId: a.settings.InstallID,
			Event:      event,
			Properties: props,
		})
	}
}

// GetAppVersion returns the current application version
func (a *App) GetAppVersion() string {
	return AppVersion
}

// reportError is the diagnostic sink for background failures
func (a *App) reportError(err error) {
	if err == nil {
		return
	}
	log.Printf("[App] %v", err)
	if a.ctx != nil {
		wailsRuntime.LogError(a.ctx, err.Error())
	}
	a.TrackEvent("error", map[string]interface{}{
		"message": err.Error(),
	})
}

// catalogError reports a failed catalog query; the previous dates stay listed
func (a *App) catalogError(err error) {
	a.reportError(err)
	payload := map[string]interface{}{
		"message":     err.Error(),
		"rateLimited": errors.Is(err, imageserver.ErrRateLimited),
	}
	wailsRuntime.EventsEmit(a.ctx, "catalog-error", payload)
}

// emitLog sends a log message to the frontend (only in dev mode)
func (a *App) emitLog(message string) {
	if a.devMode {
		wailsRuntime.EventsEmit(a.ctx, "log", message)
	}
}

// OpenExportFolder opens the export folder in the system file manager
func (a *App) OpenExportFolder() error {
	a.mu.Lock()
	path := a.settings.ExportPath
	a.mu.Unlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("folder does not exist: %s", path)
	}

	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", path)
	default: // Linux and others
		cmd = exec.Command("xdg-open", path)
	}
	return cmd.Start()
}

func formatSpan(span raster.TimeSpan) string {
	if span.IsZero() {
		return "unbounded"
	}
	return fmt.Sprintf("%s to %s", common.FormatISO8601(span.Start), common.FormatISO8601(span.End))
}
