// Package compare keeps the before and after views of a comparison in step
// and turns their date selections into a difference layer.
package compare

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"moisture-compare/internal/common"
	"moisture-compare/internal/event"
	"moisture-compare/internal/raster"
)

// ErrUnknownRaster is returned when a date is selected that is not in the slot's catalog
var ErrUnknownRaster = errors.New("raster is not in the available catalog")

// Role identifies one side of the comparison
type Role int

const (
	Before Role = iota + 1
	After
)

func (r Role) String() string {
	switch r {
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "unknown"
	}
}

// ParseRole accepts "before" or "after"
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "before":
		return Before, nil
	case "after":
		return After, nil
	default:
		return 0, fmt.Errorf("invalid slot role: %s (must be 'before' or 'after')", s)
	}
}

// Viewer is the raster view owned by a slot
type Viewer interface {
	SetViewpoint(vp raster.Viewpoint)
	// LockRaster restricts the view's mosaic to a single raster
	LockRaster(id raster.ID)
}

// ViewerFactory creates the view bound to a slot. NewViewer returns once the
// view is ready to accept viewpoints.
type ViewerFactory interface {
	NewViewer(ctx context.Context, role Role, initial raster.Viewpoint) (Viewer, error)
}

// State is the lifecycle of a slot
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// DateOption is one entry of a slot's date picker
type DateOption struct {
	ID       raster.ID `json:"id"`
	Label    string    `json:"label"`
	Date     time.Time `json:"date"`
	Selected bool      `json:"selected"`
}

// DefaultSelection is the raster a slot falls back to when its selection is
// not in a new catalog: the newest for Before, the oldest for After. It
// returns "" for an empty catalog.
func DefaultSelection(role Role, catalog raster.Catalog) raster.ID {
	var (
		snapshot raster.Snapshot
		ok       bool
	)
	if role == After {
		snapshot, ok = catalog.Oldest()
	} else {
		snapshot, ok = catalog.Newest()
	}
	if !ok {
		return ""
	}
	return snapshot.ID
}

// Slot is one side of the comparison: a viewer bound to a single acquisition date
type Slot struct {
	role    Role
	factory ViewerFactory

	mu        sync.Mutex
	state     State
	attempt   chan struct{}
	initErr   error
	viewer    Viewer
	viewpoint raster.Viewpoint
	catalog   raster.Catalog
	selected  raster.ID

	// deliver keeps events in the order the slot state changed
	deliver   sync.Mutex
	dates     event.Emitter[[]DateOption]
	selection event.Emitter[raster.ID]
}

// NewSlot creates a slot that will open its viewer at the initial viewpoint
func NewSlot(role Role, factory ViewerFactory, initial raster.Viewpoint) *Slot {
	return &Slot{
		role:      role,
		factory:   factory,
		viewpoint: initial,
	}
}

// Role returns the slot role
func (s *Slot) Role() Role {
	return s.role
}

// State returns the slot lifecycle state
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the slot viewer is up
func (s *Slot) Ready() bool {
	return s.State() == StateReady
}

// Selected returns the selected raster, "" if none
func (s *Slot) Selected() raster.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Viewpoint returns the viewpoint last applied to the viewer
func (s *Slot) Viewpoint() raster.Viewpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewpoint
}

// Catalog returns the catalog the date options are built from
func (s *Slot) Catalog() raster.Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog
}

// OnDatesChanged subscribes to rebuilt date options
func (s *Slot) OnDatesChanged(fn func([]DateOption)) (unsubscribe func()) {
	return s.dates.Subscribe(fn)
}

// OnSelectionChanged subscribes to the raster the slot is bound to
func (s *Slot) OnSelectionChanged(fn func(raster.ID)) (unsubscribe func()) {
	return s.selection.Subscribe(fn)
}

// Load initializes the slot on first call and returns once it is ready.
// Concurrent and later callers share the same initialization. Cancelling ctx
// stops the wait, not the initialization. A failed initialization leaves the
// slot uninitialized so Load can be retried.
func (s *Slot) Load(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateUninitialized:
		s.state = StateInitializing
		s.attempt = make(chan struct{})
		go s.initialize(context.WithoutCancel(ctx), s.attempt, s.viewpoint)
	}
	attempt := s.attempt
	s.mu.Unlock()

	select {
	case <-attempt:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReady {
		return nil
	}
	return s.initErr
}

func (s *Slot) initialize(ctx context.Context, attempt chan struct{}, initial raster.Viewpoint) {
	defer close(attempt)

	viewer, err := s.factory.NewViewer(ctx, s.role, initial)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateUninitialized
		s.initErr = fmt.Errorf("failed to create %s viewer: %w", s.role, err)
		log.Printf("[Compare] %v", s.initErr)
		return
	}

	s.viewer = viewer
	s.viewpoint = initial
	s.initErr = nil
	s.state = StateReady
	if s.selected != "" {
		viewer.LockRaster(s.selected)
	}
	log.Printf("[Compare] %s slot ready", s.role)
}

// SetViewpoint mirrors vp onto the viewer. Before the slot is ready the
// viewpoint is dropped, not queued: the viewer opens at the construction-time
// viewpoint.
func (s *Slot) SetViewpoint(vp raster.Viewpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return
	}
	s.viewpoint = vp
	s.viewer.SetViewpoint(vp)
}

// SetAvailableCatalog rebuilds the date options from catalog. A selection
// still present in the catalog is kept; otherwise the role default is
// selected. The resulting selection is always re-announced.
func (s *Slot) SetAvailableCatalog(catalog raster.Catalog) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	s.catalog = catalog
	selected := s.selected
	if selected == "" || !catalog.Contains(selected) {
		selected = DefaultSelection(s.role, catalog)
	}
	s.bind(selected)
	options := s.options()
	s.mu.Unlock()

	s.dates.Emit(options)
	if selected != "" {
		s.selection.Emit(selected)
	}
}

// Select binds the slot to a raster of its catalog
func (s *Slot) Select(id raster.ID) error {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if !s.catalog.Contains(id) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRaster, id)
	}
	if id == s.selected {
		s.mu.Unlock()
		return nil
	}
	s.bind(id)
	options := s.options()
	s.mu.Unlock()

	s.dates.Emit(options)
	s.selection.Emit(id)
	return nil
}

// bind records the selection and locks the viewer to it. Callers hold mu.
func (s *Slot) bind(id raster.ID) {
	s.selected = id
	if s.viewer != nil && id != "" {
		s.viewer.LockRaster(id)
	}
}

// options builds the date picker entries. Callers hold mu.
func (s *Slot) options() []DateOption {
	return lo.Map(s.catalog, func(snapshot raster.Snapshot, _ int) DateOption {
		return DateOption{
			ID:       snapshot.ID,
			Label:    common.FormatLong(snapshot.AcquisitionDate),
			Date:     snapshot.AcquisitionDate,
			Selected: snapshot.ID == s.selected,
		}
	})
}
