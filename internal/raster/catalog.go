package raster

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// Catalog is the ordered set of snapshots available for one extent and the
// configured time span, most recent first. A catalog is replaced as a whole,
// never patched.
type Catalog []Snapshot

// Contains reports whether a raster with the given ID is in the catalog
func (c Catalog) Contains(id ID) bool {
	return slices.ContainsFunc(c, func(s Snapshot) bool { return s.ID == id })
}

// Find returns the snapshot with the given ID
func (c Catalog) Find(id ID) (Snapshot, bool) {
	return lo.Find(c, func(s Snapshot) bool { return s.ID == id })
}

// IDs returns the raster IDs in catalog order
func (c Catalog) IDs() []ID {
	return lo.Map(c, func(s Snapshot, _ int) ID { return s.ID })
}

// Newest returns the most recent snapshot
func (c Catalog) Newest() (Snapshot, bool) {
	if len(c) == 0 {
		return Snapshot{}, false
	}
	return c[0], true
}

// Oldest returns the oldest snapshot
func (c Catalog) Oldest() (Snapshot, bool) {
	if len(c) == 0 {
		return Snapshot{}, false
	}
	return c[len(c)-1], true
}

// NewCatalog builds a catalog from raw query results: inadmissible entries are
// dropped, duplicate IDs keep their first occurrence and the result is sorted
// by acquisition date, newest first. Entries with equal dates keep their
// service order.
func NewCatalog(snapshots []Snapshot, filter Filter) Catalog {
	admitted := lo.Filter(snapshots, func(s Snapshot, _ int) bool {
		return filter.Admits(s.Quality)
	})
	unique := lo.UniqBy(admitted, func(s Snapshot) ID { return s.ID })

	slices.SortStableFunc(unique, func(a, b Snapshot) int {
		return b.AcquisitionDate.Compare(a.AcquisitionDate)
	})
	return Catalog(unique)
}

// Filter is the admissibility predicate applied to every catalog entry.
// It is set once from configuration.
type Filter struct {
	Category      int     `json:"category"`
	MinCloudCover float64 `json:"minCloudCover"`
	MaxCloudCover float64 `json:"maxCloudCover"`
}

// DefaultFilter admits validated scenes with at most 5% cloud cover
func DefaultFilter() Filter {
	return Filter{
		Category:      1,
		MinCloudCover: 0,
		MaxCloudCover: 0.05,
	}
}

// Admits reports whether a raster with these attributes may appear in a catalog
func (f Filter) Admits(q Quality) bool {
	if f.Category != 0 && q.Category != f.Category {
		return false
	}
	return q.CloudCover >= f.MinCloudCover && q.CloudCover <= f.MaxCloudCover
}

// Where renders the filter as a service definition expression
func (f Filter) Where() string {
	var clauses []string
	if f.Category != 0 {
		clauses = append(clauses, fmt.Sprintf("(Category = %d)", f.Category))
	}
	clauses = append(clauses, fmt.Sprintf("((CloudCover >= %.2f) AND (CloudCover <= %.2f))", f.MinCloudCover, f.MaxCloudCover))
	return strings.Join(clauses, " AND ")
}
