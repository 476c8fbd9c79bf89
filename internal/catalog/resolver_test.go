package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moisture-compare/internal/cache"
	"moisture-compare/internal/raster"
)

type reply struct {
	snapshots []raster.Snapshot
	err       error
}

type queryCall struct {
	query raster.CatalogQuery
	reply chan reply
}

// scriptedService hands every query to the test, which answers it whenever it
// likes. Context cancellation is ignored so late answers still arrive.
type scriptedService struct {
	calls chan *queryCall
}

func newScriptedService() *scriptedService {
	return &scriptedService{calls: make(chan *queryCall, 16)}
}

func (s *scriptedService) QueryRasters(ctx context.Context, query raster.CatalogQuery) ([]raster.Snapshot, error) {
	c := &queryCall{query: query, reply: make(chan reply, 1)}
	s.calls <- c
	r := <-c.reply
	return r.snapshots, r.err
}

func (s *scriptedService) next(t *testing.T) *queryCall {
	t.Helper()
	select {
	case c := <-s.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("expected a catalog query")
		return nil
	}
}

type recorder struct {
	mu       sync.Mutex
	catalogs []raster.Catalog
	errs     []error
}

func (r *recorder) catalog(c raster.Catalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogs = append(r.catalogs, c)
}

func (r *recorder) err(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) snapshot() ([]raster.Catalog, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]raster.Catalog(nil), r.catalogs...), append([]error(nil), r.errs...)
}

func snapshot(id string, date time.Time) raster.Snapshot {
	return raster.Snapshot{ID: raster.ID(id), AcquisitionDate: date, Quality: raster.Quality{Category: 1, CloudCover: 0.02}}
}

var (
	extentA = raster.Extent{XMin: 0, YMin: 0, XMax: 10, YMax: 10, WKID: raster.WebMercatorWKID}
	extentB = raster.Extent{XMin: 5, YMin: 5, XMax: 15, YMax: 15, WKID: raster.WebMercatorWKID}
	d1      = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	d2      = time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC)
	d3      = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

func newTestResolver(service Service, rec *recorder, opts Options) *Resolver {
	opts.Filter = raster.DefaultFilter()
	opts.OnError = rec.err
	r := NewResolver(service, opts)
	r.OnCatalogReady(rec.catalog)
	return r
}

func TestResolvePublishesSortedCatalog(t *testing.T) {
	service := newScriptedService()
	rec := &recorder{}
	r := newTestResolver(service, rec, Options{})

	r.Resolve(context.Background(), extentA)
	call := service.next(t)
	assert.Equal(t, extentA, call.query.Extent)
	assert.Equal(t, []string{"AcquisitionDate DESC"}, call.query.OrderBy)
	assert.Equal(t, raster.DefaultFilter().Where(), call.query.Where)
	assert.Equal(t, raster.DefaultObjectIDField, call.query.IDField)
	assert.Equal(t, raster.DefaultDateField, call.query.DateField)

	call.reply <- reply{snapshots: []raster.Snapshot{snapshot("1", d1), snapshot("3", d3), snapshot("2", d2), snapshot("3", d3)}}
	r.Wait()

	catalogs, errs := rec.snapshot()
	require.Len(t, catalogs, 1)
	assert.Equal(t, []raster.ID{"3", "2", "1"}, catalogs[0].IDs())
	assert.Empty(t, errs)
	assert.Equal(t, catalogs[0], r.Catalog())
}

func TestQueryUsesServiceFieldNames(t *testing.T) {
	service := newScriptedService()
	rec := &recorder{}
	r := newTestResolver(service, rec, Options{ObjectIDField: "OID", DateField: "StartDate"})

	r.Resolve(context.Background(), extentA)
	call := service.next(t)
	assert.Equal(t, "OID", call.query.IDField)
	assert.Equal(t, "StartDate", call.query.DateField)
	assert.Equal(t, []string{"StartDate DESC"}, call.query.OrderBy)
	assert.Equal(t, []string{"OID", "StartDate"}, call.query.OutFields[:2])
	call.reply <- reply{}
	r.Wait()
}

func TestSupersededResultIsDiscardedEvenWhenItArrivesLast(t *testing.T) {
	service := newScriptedService()
	rec := &recorder{}
	r := newTestResolver(service, rec, Options{})

	r.Resolve(context.Background(), extentA)
	callA := service.next(t)
	r.Resolve(context.Background(), extentB)
	callB := service.next(t)

	callB.reply <- reply{snapshots: []raster.Snapshot{snapshot("2", d2)}}
	callA.reply <- reply{snapshots: []raster.Snapshot{snapshot("1", d1)}}
	r.Wait()

	catalogs, errs := rec.snapshot()
	require.Len(t, catalogs, 1)
	assert.Equal(t, []raster.ID{"2"}, catalogs[0].IDs())
	assert.Empty(t, errs)
}

func TestSupersededFailureIsNotReported(t *testing.T) {
	service := newScriptedService()
	rec := &recorder{}
	r := newTestResolver(service, rec, Options{})

	r.Resolve(context.Background(), extentA)
	callA := service.next(t)
	r.Resolve(context.Background(), extentB)
	callB := service.next(t)

	callA.reply <- reply{err: context.Canceled}
	callB.reply <- reply{snapshots: []raster.Snapshot{snapshot("2", d2)}}
	r.Wait()

	catalogs, errs := rec.snapshot()
	assert.Len(t, catalogs, 1)
	assert.Empty(t, errs)
}

func TestFailureKeepsPreviousCatalog(t *testing.T) {
	service := newScriptedService()
	rec := &recorder{}
	r := newTestResolver(service, rec, Options{})

	r.Resolve(context.Background(), extentA)
	service.next(t).reply <- reply{snapshots: []raster.Snapshot{snapshot("1", d1)}}
	r.Wait()

	boom := errors.New("service unavailable")
	r.Resolve(context.Background(), extentB)
	service.next(t).reply <- reply{err: boom}
	r.Wait()

	catalogs, errs := rec.snapshot()
	assert.Len(t, catalogs, 1)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	assert.Equal(t, []raster.ID{"1"}, r.Catalog().IDs())
}

func TestViewChangedCoalescesMovement(t *testing.T) {
	service := newScriptedService()
	rec := &recorder{}
	r := newTestResolver(service, rec, Options{Quiescence: 20 * time.Millisecond})

	for i := 0; i < 5; i++ {
		r.ViewChanged(raster.Extent{XMin: float64(i), YMin: 0, XMax: float64(i + 10), YMax: 10})
	}

	call := service.next(t)
	assert.Equal(t, 4.0, call.query.Extent.XMin)
	call.reply <- reply{}

	select {
	case extra := <-service.calls:
		t.Fatalf("unexpected second query for %+v", extra.query.Extent)
	case <-time.After(100 * time.Millisecond):
	}
	r.Wait()
}

func TestStationaryResolvesAtOnceAndDropsPendingMovement(t *testing.T) {
	service := newScriptedService()
	rec := &recorder{}
	r := newTestResolver(service, rec, Options{Quiescence: 50 * time.Millisecond})

	r.ViewChanged(extentA)
	r.Stationary(extentB)

	call := service.next(t)
	assert.Equal(t, extentB, call.query.Extent)
	call.reply <- reply{snapshots: []raster.Snapshot{snapshot("1", d1)}}

	select {
	case extra := <-service.calls:
		t.Fatalf("movement before the stop should not be resolved, got %+v", extra.query.Extent)
	case <-time.After(150 * time.Millisecond):
	}
	r.Wait()

	catalogs, _ := rec.snapshot()
	require.Len(t, catalogs, 1)
}

func TestCachedCatalogSkipsService(t *testing.T) {
	service := newScriptedService()
	rec := &recorder{}
	catalogCache := cache.NewCatalogCache(cache.Config{})
	r := newTestResolver(service, rec, Options{Cache: catalogCache})

	r.Resolve(context.Background(), extentA)
	service.next(t).reply <- reply{snapshots: []raster.Snapshot{snapshot("1", d1)}}
	r.Wait()

	r.Resolve(context.Background(), extentA)
	r.Wait()

	select {
	case <-service.calls:
		t.Fatal("cached extent should not be queried again")
	default:
	}
	catalogs, _ := rec.snapshot()
	require.Len(t, catalogs, 2)
	assert.Equal(t, catalogs[0], catalogs[1])
}

func TestCachedCatalogExpiresWhileRevisited(t *testing.T) {
	service := newScriptedService()
	rec := &recorder{}
	catalogCache := cache.NewCatalogCache(cache.Config{TTL: 150 * time.Millisecond})
	r := newTestResolver(service, rec, Options{Cache: catalogCache})

	r.Resolve(context.Background(), extentA)
	service.next(t).reply <- reply{snapshots: []raster.Snapshot{snapshot("1", d1)}}
	r.Wait()

	// keep revisiting the extent more often than the TTL
	deadline := time.Now().Add(time.Second)
	var requeried *queryCall
	for requeried == nil && time.Now().Before(deadline) {
		r.Resolve(context.Background(), extentA)
		select {
		case requeried = <-service.calls:
		case <-time.After(50 * time.Millisecond):
		}
	}
	require.NotNil(t, requeried, "cached catalog never expired")
	requeried.reply <- reply{snapshots: []raster.Snapshot{snapshot("2", d2), snapshot("1", d1)}}
	r.Wait()

	assert.Equal(t, []raster.ID{"2", "1"}, r.Catalog().IDs())
}

func TestCloseStopsPublishing(t *testing.T) {
	service := newScriptedService()
	rec := &recorder{}
	r := newTestResolver(service, rec, Options{})

	r.Resolve(context.Background(), extentA)
	call := service.next(t)
	r.Close()
	call.reply <- reply{snapshots: []raster.Snapshot{snapshot("1", d1)}}
	r.Wait()

	catalogs, _ := rec.snapshot()
	assert.Empty(t, catalogs)
}
