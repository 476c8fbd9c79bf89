// Package catalog resolves which raster acquisitions are available for the
// area the user is looking at.
package catalog

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/bep/debounce"

	"moisture-compare/internal/cache"
	"moisture-compare/internal/event"
	"moisture-compare/internal/raster"
)

// DefaultQuiescence is how long the view must stop moving before a query is issued
const DefaultQuiescence = 300 * time.Millisecond

// Quality fields requested for every catalog entry, after the ID and date fields
var qualityFields = []string{"CloudCover", "Best", "Name", "Category", "ProductName"}

// Service queries the raster catalog of an image service
type Service interface {
	QueryRasters(ctx context.Context, query raster.CatalogQuery) ([]raster.Snapshot, error)
}

// Options configures a Resolver. ObjectIDField and DateField come from the
// service info and default to OBJECTID and AcquisitionDate.
type Options struct {
	ObjectIDField string
	DateField     string
	TimeSpan      raster.TimeSpan
	Filter        raster.Filter
	Quiescence    time.Duration
	Cache         *cache.CatalogCache
	OnError       func(error)
}

// Resolver keeps the catalog for the current view extent. Only the most
// recently issued query is allowed to publish a result.
type Resolver struct {
	service   Service
	idField   string
	dateField string
	timeSpan  raster.TimeSpan
	filter    raster.Filter
	cache     *cache.CatalogCache
	onError   func(error)
	debounce  func(func())

	mu      sync.Mutex
	seq     uint64
	cancel  context.CancelFunc
	current raster.Catalog
	closed  bool

	// deliver serializes the seq check and the emit so an older result can
	// never be published after a newer one
	deliver sync.Mutex
	ready   event.Emitter[raster.Catalog]
	pending sync.WaitGroup
}

// NewResolver creates a resolver for a catalog service
func NewResolver(service Service, opts Options) *Resolver {
	if opts.Quiescence <= 0 {
		opts.Quiescence = DefaultQuiescence
	}
	if opts.OnError == nil {
		opts.OnError = func(err error) {
			log.Printf("[Catalog] Query failed: %v", err)
		}
	}
	if opts.ObjectIDField == "" {
		opts.ObjectIDField = raster.DefaultObjectIDField
	}
	if opts.DateField == "" {
		opts.DateField = raster.DefaultDateField
	}

	return &Resolver{
		service:   service,
		idField:   opts.ObjectIDField,
		dateField: opts.DateField,
		timeSpan:  opts.TimeSpan,
		filter:    opts.Filter,
		cache:     opts.Cache,
		onError:   opts.OnError,
		debounce:  debounce.New(opts.Quiescence),
	}
}

// OnCatalogReady subscribes to resolved catalogs
func (r *Resolver) OnCatalogReady(fn func(raster.Catalog)) (unsubscribe func()) {
	return r.ready.Subscribe(fn)
}

// Catalog returns the last published catalog
func (r *Resolver) Catalog() raster.Catalog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// ViewChanged reports an intermediate view extent while the view is moving.
// Only the last extent of a burst is resolved, once the view has been
// quiet for the configured period.
func (r *Resolver) ViewChanged(extent raster.Extent) {
	r.debounce(func() {
		r.Resolve(context.Background(), extent)
	})
}

// Stationary reports that the view stopped at extent. It resolves at once and
// drops any movement still waiting for quiescence.
func (r *Resolver) Stationary(extent raster.Extent) {
	r.debounce(func() {})
	r.Resolve(context.Background(), extent)
}

// Resolve issues a catalog query for extent, superseding any query still in
// flight. The result is published asynchronously through OnCatalogReady.
func (r *Resolver) Resolve(ctx context.Context, extent raster.Extent) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.seq++
	seq := r.seq
	queryCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.pending.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.pending.Done()
		defer cancel()

		catalog, cached, err := r.fetch(queryCtx, extent)
		r.publish(seq, extent, catalog, !cached, err)
	}()
}

// fetch returns the catalog for extent and whether it came from the cache
func (r *Resolver) fetch(ctx context.Context, extent raster.Extent) (raster.Catalog, bool, error) {
	if r.cache != nil {
		if catalog, ok := r.cache.Get(extent); ok {
			return catalog, true, nil
		}
	}

	snapshots, err := r.service.QueryRasters(ctx, raster.CatalogQuery{
		Extent:    extent,
		TimeSpan:  r.timeSpan,
		Where:     r.filter.Where(),
		OutFields: append([]string{r.idField, r.dateField}, qualityFields...),
		OrderBy:   []string{r.dateField + " DESC"},
		IDField:   r.idField,
		DateField: r.dateField,
	})
	if err != nil {
		return nil, false, err
	}

	return raster.NewCatalog(snapshots, r.filter), false, nil
}

// publish emits catalog if seq is still the newest query. Only fresh results
// are cached; re-adding a cache hit would reset its expiry.
func (r *Resolver) publish(seq uint64, extent raster.Extent, catalog raster.Catalog, fresh bool, err error) {
	r.deliver.Lock()
	defer r.deliver.Unlock()

	r.mu.Lock()
	if seq != r.seq || r.closed {
		// superseded: drop result and error alike
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.mu.Unlock()
		if !errors.Is(err, context.Canceled) {
			r.onError(err)
		}
		return
	}
	r.current = catalog
	r.mu.Unlock()

	if fresh && r.cache != nil {
		r.cache.Set(extent, catalog)
	}
	r.ready.Emit(catalog)
}

// Wait blocks until every query issued so far has finished
func (r *Resolver) Wait() {
	r.pending.Wait()
}

// Close cancels the query in flight and stops publishing results
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
}
