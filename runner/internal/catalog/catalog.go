// Package catalog looks up protected areas in the WDPA feature collection
// and applies the exclusion filters.
package catalog

import (
	"context"
	"fmt"

	"github.com/edgestack/edgestack/pkg/types"
	"github.com/edgestack/edgestack/runner/internal/config"
	"github.com/edgestack/edgestack/runner/internal/remote"
)

// WDPA attribute names.
const (
	propName        = "ORIG_NAME"
	propGovernance  = "GOV_TYPE"
	propOwnership   = "OWN_TYPE"
	propStatusYear  = "STATUS_YR"
	propCategory    = "IUCN_CAT"
	propArea        = "GIS_AREA"
	propMarine      = "MARINE"
	propDesignation = "DESIG_ENG"
	propStatus      = "STATUS"
)

// terrestrial is the MARINE attribute value of a land-only area.
const terrestrial = "0"

// Entry is one catalog hit: its attributes and its lazy geometry.
type Entry struct {
	Entity types.Entity
	Region remote.Region
}

// Catalog resolves entity ids against the configured feature collection.
type Catalog struct {
	asset   string
	idProp  string
	filters Filters
	client  remote.Client
}

// New returns a Catalog evaluating lookups through client.
func New(cfg config.CatalogConfig, client remote.Client) *Catalog {
	return &Catalog{
		asset:   cfg.Asset,
		idProp:  cfg.IDProperty,
		filters: FiltersFrom(cfg),
		client:  client,
	}
}

type attributes struct {
	Name        string  `json:"ORIG_NAME"`
	Governance  string  `json:"GOV_TYPE"`
	Ownership   string  `json:"OWN_TYPE"`
	StatusYear  int     `json:"STATUS_YR"`
	Category    string  `json:"IUCN_CAT"`
	Area        float64 `json:"GIS_AREA"`
	Marine      string  `json:"MARINE"`
	Designation string  `json:"DESIG_ENG"`
	Status      string  `json:"STATUS"`
}

// Lookup returns the entity with the given id. It fails with
// types.ErrEmptyInput when no feature matches the id and the filters.
//
// Filters are applied remotely and re-checked on the returned attributes.
func (c *Catalog) Lookup(ctx context.Context, id string) (*Entry, error) {
	if c.filters.deniesID(id) {
		return nil, fmt.Errorf("catalog: %s is denylisted: %w", id, types.ErrEmptyInput)
	}
	feature := remote.FeatureCollection(c.asset).
		Filter(remote.And(remote.Eq(c.idProp, id), c.filters.Expr(c.idProp))).
		First()

	var attrs *attributes
	props := feature.Properties(propName, propGovernance, propOwnership, propStatusYear,
		propCategory, propArea, propMarine, propDesignation, propStatus)
	if err := c.client.Evaluate(ctx, props.Expr(), &attrs); err != nil {
		return nil, fmt.Errorf("catalog: lookup %s: %w", id, err)
	}
	if attrs == nil {
		return nil, fmt.Errorf("catalog: %s: %w", id, types.ErrEmptyInput)
	}

	e := types.Entity{
		ID:             id,
		Name:           attrs.Name,
		GovernanceType: attrs.Governance,
		OwnershipType:  attrs.Ownership,
		StatusYear:     attrs.StatusYear,
		Classification: attrs.Category,
		Area:           attrs.Area,
		Marine:         attrs.Marine,
		Designation:    attrs.Designation,
		Status:         attrs.Status,
	}
	if reason := c.filters.Reject(e); reason != "" {
		return nil, fmt.Errorf("catalog: %s %s: %w", id, reason, types.ErrEmptyInput)
	}
	return &Entry{Entity: e, Region: feature.Geometry()}, nil
}
