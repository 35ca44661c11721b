package catalog

import (
	"fmt"
	"slices"

	"github.com/edgestack/edgestack/pkg/types"
	"github.com/edgestack/edgestack/runner/internal/config"
	"github.com/edgestack/edgestack/runner/internal/remote"
)

// Filters excludes entities by category. A zero Filters allows everything.
type Filters struct {
	ExcludeMarine        bool
	ExcludedDesignations []string
	AllowedStatuses      []string
	ExcludedIDs          []string
	MinArea              float64
}

// FiltersFrom copies the filter settings out of cfg.
func FiltersFrom(cfg config.CatalogConfig) Filters {
	return Filters{
		ExcludeMarine:        cfg.ExcludeMarine,
		ExcludedDesignations: cfg.ExcludedDesignations,
		AllowedStatuses:      cfg.AllowedStatuses,
		ExcludedIDs:          cfg.ExcludedIDs,
		MinArea:              cfg.MinArea,
	}
}

func (f Filters) deniesID(id string) bool { return slices.Contains(f.ExcludedIDs, id) }

// Reject returns why e is excluded, or "" when it passes every filter.
func (f Filters) Reject(e types.Entity) string {
	switch {
	case f.deniesID(e.ID):
		return "is denylisted"
	case f.ExcludeMarine && e.Marine != terrestrial:
		return fmt.Sprintf("is marine (%s=%q)", propMarine, e.Marine)
	case slices.Contains(f.ExcludedDesignations, e.Designation):
		return fmt.Sprintf("has excluded designation %q", e.Designation)
	case len(f.AllowedStatuses) > 0 && !slices.Contains(f.AllowedStatuses, e.Status):
		return fmt.Sprintf("has status %q", e.Status)
	case e.Area < f.MinArea:
		return fmt.Sprintf("area %g below %g", e.Area, f.MinArea)
	}
	return ""
}

// Expr renders the filters as a remote predicate over WDPA attributes.
func (f Filters) Expr(idProp string) remote.Filter {
	var parts []remote.Filter
	if f.ExcludeMarine {
		parts = append(parts, remote.Eq(propMarine, terrestrial))
	}
	for _, d := range f.ExcludedDesignations {
		parts = append(parts, remote.Neq(propDesignation, d))
	}
	if len(f.AllowedStatuses) > 0 {
		parts = append(parts, remote.InList(propStatus, f.AllowedStatuses))
	}
	if len(f.ExcludedIDs) > 0 {
		parts = append(parts, remote.Not(remote.InList(idProp, f.ExcludedIDs)))
	}
	if f.MinArea > 0 {
		parts = append(parts, remote.Gte(propArea, f.MinArea))
	}
	return remote.And(parts...)
}
