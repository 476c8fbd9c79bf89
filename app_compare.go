package main

import (
	"context"
	"fmt"
	"sync"

	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"

	"moisture-compare/internal/compare"
	"moisture-compare/internal/difference"
	"moisture-compare/internal/export"
	"moisture-compare/internal/identify"
	"moisture-compare/internal/raster"
)

// viewerFactory creates the before/after map views. The views live in the
// frontend; a viewer is ready once the frontend reports it through ViewerReady.
type viewerFactory struct {
	ctx   context.Context
	mu    sync.Mutex
	ready map[compare.Role]chan struct{}
}

func newViewerFactory(ctx context.Context) *viewerFactory {
	return &viewerFactory{
		ctx: ctx,
		ready: map[compare.Role]chan struct{}{
			compare.Before: make(chan struct{}),
			compare.After:  make(chan struct{}),
		},
	}
}

// NewViewer asks the frontend to create the view for role and waits until it reports ready
func (f *viewerFactory) NewViewer(ctx context.Context, role compare.Role, initial raster.Viewpoint) (compare.Viewer, error) {
	f.mu.Lock()
	ready := f.ready[role]
	f.mu.Unlock()

	wailsRuntime.EventsEmit(f.ctx, "viewer-create", map[string]interface{}{
		"role":      role.String(),
		"viewpoint": initial,
	})

	select {
	case <-ready:
		return &viewerProxy{ctx: f.ctx, role: role}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to create %s view: %w", role, ctx.Err())
	}
}

// markReady records that the frontend view for role exists
func (f *viewerFactory) markReady(role compare.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.ready[role]:
	default:
		close(f.ready[role])
	}
}

// viewerProxy forwards viewer commands to the frontend view of one slot
type viewerProxy struct {
	ctx  context.Context
	role compare.Role
}

func (v *viewerProxy) SetViewpoint(vp raster.Viewpoint) {
	wailsRuntime.EventsEmit(v.ctx, "viewer-viewpoint", map[string]interface{}{
		"role":      v.role.String(),
		"viewpoint": vp,
	})
}

func (v *viewerProxy) LockRaster(id raster.ID) {
	wailsRuntime.EventsEmit(v.ctx, "viewer-lock-raster", map[string]interface{}{
		"role": v.role.String(),
		"id":   id,
		"mosaicRule": map[string]interface{}{
			"method":        "esriMosaicLockRaster",
			"lockRasterIds": []raster.ID{id},
		},
	})
}

// analysisLayer draws the active difference output on the frontend's shared layer
type analysisLayer struct {
	ctx     context.Context
	opacity float64
}

func newAnalysisLayer(ctx context.Context, opacity float64) *analysisLayer {
	return &analysisLayer{ctx: ctx, opacity: opacity}
}

func (l *analysisLayer) Apply(output difference.Output) {
	wailsRuntime.EventsEmit(l.ctx, "analysis-layer-changed", map[string]interface{}{
		"renderingRule": output.Function,
		"renderer":      output.Renderer,
		"opacity":       l.opacity,
	})
}

// SampleView is the identify result as shown in the UI
type SampleView struct {
	Location raster.Point `json:"location"`
	Value    float64      `json:"value"`
	Class    string       `json:"class"`
	Status   string       `json:"status"`
	Error    string       `json:"error,omitempty"`
}

func newSampleView(sample identify.Sample, engine *difference.Engine) SampleView {
	view := SampleView{
		Location: sample.Location,
		Value:    sample.Value,
		Status:   sample.Status.String(),
	}
	switch sample.Status {
	case identify.StatusResolved:
		view.Class = engine.Classify(sample.Value).String()
	case identify.StatusNoData:
		view.Class = difference.NoData.String()
	}
	if sample.Err != nil {
		view.Error = sample.Err.Error()
	}
	return view
}

// session returns the compare controller, or an error before startup finished
func (a *App) session() (*compare.Controller, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.controller == nil {
		return nil, fmt.Errorf("compare session is not started")
	}
	return a.controller, nil
}

// ViewerReady is called by the frontend once the view for role ("before" or "after") exists
func (a *App) ViewerReady(role string) error {
	r, err := compare.ParseRole(role)
	if err != nil {
		return err
	}
	a.viewers.markReady(r)
	return nil
}

// SelectDate selects a raster in the date picker of one slot
func (a *App) SelectDate(role string, id string) error {
	r, err := compare.ParseRole(role)
	if err != nil {
		return err
	}
	controller, err := a.session()
	if err != nil {
		return err
	}
	slot, err := controller.Slot(r)
	if err != nil {
		return err
	}
	return slot.Select(raster.ID(id))
}

// SetDifferenceMode switches the analysis layer between "continuous" and "classified"
func (a *App) SetDifferenceMode(mode string) error {
	m, err := difference.ParseMode(mode)
	if err != nil {
		return err
	}
	controller, err := a.session()
	if err != nil {
		return err
	}
	controller.SetMode(m)
	return nil
}

// GetDifference returns the current difference, or nil until both dates are selected
func (a *App) GetDifference() *difference.State {
	controller, err := a.session()
	if err != nil {
		return nil
	}
	state, ok := controller.Difference()
	if !ok {
		return nil
	}
	return &state
}

// PickLocation samples the difference at a clicked map location (Web Mercator)
func (a *App) PickLocation(x, y float64) error {
	controller, err := a.session()
	if err != nil {
		return err
	}
	a.emitLog(fmt.Sprintf("Identify at %.1f, %.1f", x, y))
	controller.Pick(raster.Point{X: x, Y: y, WKID: raster.WebMercatorWKID})
	return nil
}

// ViewpointChanged mirrors the master view's viewpoint into both slots
func (a *App) ViewpointChanged(vp raster.Viewpoint) {
	controller, err := a.session()
	if err != nil {
		return
	}
	controller.ViewpointChanged(vp)
}

// ViewMoving reports an intermediate extent while the map is being panned or zoomed
func (a *App) ViewMoving(extent raster.Extent) {
	a.mu.Lock()
	resolver := a.resolver
	a.mu.Unlock()
	if resolver != nil {
		resolver.ViewChanged(extent)
	}
}

// ViewStationary reports the extent the map stopped at
func (a *App) ViewStationary(extent raster.Extent) {
	a.mu.Lock()
	a.extent = extent
	resolver := a.resolver
	a.mu.Unlock()
	if resolver != nil {
		resolver.Stationary(extent)
	}
}

// ExportDifference writes the classified difference of the current view to the export folder
func (a *App) ExportDifference() (*export.Result, error) {
	controller, err := a.session()
	if err != nil {
		return nil, err
	}
	state, ok := controller.Difference()
	if !ok {
		return nil, difference.ErrMissingInput
	}

	before, err := selectedSnapshot(controller, compare.Before)
	if err != nil {
		return nil, err
	}
	after, err := selectedSnapshot(controller, compare.After)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	extent := a.extent
	exporter := a.exporter
	a.mu.Unlock()

	result, err := exporter.Export(a.ctx, state, before, after, extent)
	if err != nil {
		a.reportError(err)
		return nil, err
	}

	a.TrackEvent("difference_exported", map[string]interface{}{
		"cached": result.Cached,
		"width":  result.Summary.Width,
		"height": result.Summary.Height,
	})
	return result, nil
}

func selectedSnapshot(controller *compare.Controller, role compare.Role) (raster.Snapshot, error) {
	slot, err := controller.Slot(role)
	if err != nil {
		return raster.Snapshot{}, err
	}
	snapshot, ok := slot.Catalog().Find(slot.Selected())
	if !ok {
		return raster.Snapshot{}, fmt.Errorf("no %s date selected", role)
	}
	return snapshot, nil
}
