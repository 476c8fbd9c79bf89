package compare

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"moisture-compare/internal/difference"
	"moisture-compare/internal/event"
	"moisture-compare/internal/raster"
)

// CatalogSource publishes the catalog for the current view
type CatalogSource interface {
	OnCatalogReady(fn func(raster.Catalog)) (unsubscribe func())
}

// Sampler re-evaluates the difference at a picked location
type Sampler interface {
	Retarget(target raster.Function)
	Resample(location *raster.Point)
}

// AnalysisLayer is the shared layer the active difference output is drawn on
type AnalysisLayer interface {
	Apply(output difference.Output)
}

// Options configures a Controller
type Options struct {
	Catalogs CatalogSource
	Engine   *difference.Engine
	Sampler  Sampler
	Layer    AnalysisLayer
	Mode     difference.Mode
}

// Controller ties the before and after slots to one catalog source and one
// master viewpoint, and owns the difference computed from their selections.
type Controller struct {
	before   *Slot
	after    *Slot
	catalogs CatalogSource
	engine   *difference.Engine
	sampler  Sampler
	layer    AnalysisLayer

	mu             sync.Mutex
	started        bool
	unsubscribe    []func()
	beforeID       raster.ID
	afterID        raster.ID
	mode           difference.Mode
	state          *difference.State
	recomputations int

	// deliver serializes recomputation and mode switches with their side effects
	deliver sync.Mutex
	ready   event.Emitter[difference.State]
}

// NewController creates a controller for two slots
func NewController(before, after *Slot, opts Options) *Controller {
	if opts.Engine == nil {
		opts.Engine = difference.NewEngine(difference.Config{})
	}
	return &Controller{
		before:   before,
		after:    after,
		catalogs: opts.Catalogs,
		engine:   opts.Engine,
		sampler:  opts.Sampler,
		layer:    opts.Layer,
		mode:     opts.Mode,
	}
}

// Slot returns the slot playing role
func (c *Controller) Slot(role Role) (*Slot, error) {
	switch role {
	case Before:
		return c.before, nil
	case After:
		return c.after, nil
	default:
		return nil, fmt.Errorf("invalid slot role: %d", role)
	}
}

// OnDifferenceReady subscribes to recomputed differences
func (c *Controller) OnDifferenceReady(fn func(difference.State)) (unsubscribe func()) {
	return c.ready.Subscribe(fn)
}

// Start wires the slots, loads both and then starts feeding them catalogs.
// Calling Start again after it succeeded does nothing.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.unsubscribe = append(c.unsubscribe,
		c.before.OnSelectionChanged(func(id raster.ID) { c.selectionChanged(Before, id) }),
		c.after.OnSelectionChanged(func(id raster.ID) { c.selectionChanged(After, id) }),
	)
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.before.Load(gctx) })
	g.Go(func() error { return c.after.Load(gctx) })
	if err := g.Wait(); err != nil {
		c.Close()
		return fmt.Errorf("failed to load compare slots: %w", err)
	}

	if c.catalogs != nil {
		unsubscribe := c.catalogs.OnCatalogReady(c.SetCatalog)
		c.mu.Lock()
		c.unsubscribe = append(c.unsubscribe, unsubscribe)
		c.mu.Unlock()
	}
	log.Printf("[Compare] Controller started")
	return nil
}

// Close detaches the controller from its slots and catalog source
func (c *Controller) Close() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.started = false
	c.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
}

// SetCatalog pushes the same catalog into both slots
func (c *Controller) SetCatalog(catalog raster.Catalog) {
	c.before.SetAvailableCatalog(catalog)
	c.after.SetAvailableCatalog(catalog)
}

// ViewpointChanged mirrors the master viewpoint into both slots, without debouncing
func (c *Controller) ViewpointChanged(vp raster.Viewpoint) {
	c.before.SetViewpoint(vp)
	c.after.SetViewpoint(vp)
}

// Pick samples the difference at a location chosen by the user
func (c *Controller) Pick(location raster.Point) {
	if c.sampler != nil {
		c.sampler.Resample(&location)
	}
}

// Mode returns the display mode of the analysis layer
func (c *Controller) Mode() difference.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches the analysis layer between the continuous and classified
// outputs. The difference is not recomputed.
func (c *Controller) SetMode(mode difference.Mode) {
	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	c.mode = mode
	if c.state == nil {
		c.mu.Unlock()
		return
	}
	state := c.state.WithMode(mode)
	c.state = &state
	c.mu.Unlock()

	if c.layer != nil {
		c.layer.Apply(state.Active())
	}
}

// Difference returns the current difference, if both dates are selected
func (c *Controller) Difference() (difference.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return difference.State{}, false
	}
	return *c.state, true
}

// Recomputations counts how many times the difference was rebuilt
func (c *Controller) Recomputations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recomputations
}

func (c *Controller) selectionChanged(role Role, id raster.ID) {
	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	if role == Before {
		c.beforeID = id
	} else {
		c.afterID = id
	}
	if c.beforeID == "" || c.afterID == "" {
		c.mu.Unlock()
		return
	}

	state, err := c.engine.Compute(c.beforeID, c.afterID, c.mode)
	if err != nil {
		c.mu.Unlock()
		log.Printf("[Compare] Failed to compute difference: %v", err)
		return
	}
	c.state = &state
	c.recomputations++
	c.mu.Unlock()

	if c.layer != nil {
		c.layer.Apply(state.Active())
	}
	c.ready.Emit(state)
	if c.sampler != nil {
		c.sampler.Retarget(state.Continuous.Function)
	}
}
