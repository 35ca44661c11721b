// Package geometry derives the analysis regions for one protected area: the
// water-masked buffer donut, the boundary band, and the majority biome.
//
// All region functions are lazy. Only BiomeOf talks to the compute service.
package geometry

import (
	"context"
	"fmt"
	"sort"

	"github.com/edgestack/edgestack/pkg/types"
	"github.com/edgestack/edgestack/runner/internal/config"
	"github.com/edgestack/edgestack/runner/internal/remote"
)

const (
	kernelSquare = "square"
	unitsMeters  = "meters"
)

// Preparer builds region expressions from a base geometry.
type Preparer struct {
	cfg config.GeometryConfig
}

// New returns a Preparer using the water and ecoregion datasets in cfg.
func New(cfg config.GeometryConfig) *Preparer {
	return &Preparer{cfg: cfg}
}

// Prepare returns the water-masked buffer donut around base.
func (p *Preparer) Prepare(base remote.Region, distance, tolerance float64) remote.Region {
	return p.MaskWater(Buffer(base, distance, tolerance), tolerance)
}

// Buffer returns the donut between base grown and shrunk by distance.
// An empty base yields the empty region.
func Buffer(base remote.Region, distance, tolerance float64) remote.Region {
	if base.IsEmpty() {
		return remote.EmptyRegion()
	}
	outer := base.Buffer(distance, tolerance)
	inner := base.Buffer(-distance, tolerance)
	return outer.Difference(inner, tolerance)
}

// BoundaryBand returns the ring of ±width around base's perimeter.
func BoundaryBand(base remote.Region, width, tolerance float64) remote.Region {
	return Buffer(base, width, tolerance)
}

// MaskWater subtracts detected water bodies from region. Water pixels are
// closed (focal max, then focal min) before vectorisation so that small
// holes and slivers do not fragment the polygons.
func (p *Preparer) MaskWater(region remote.Region, tolerance float64) remote.Region {
	if region.IsEmpty() {
		return remote.EmptyRegion()
	}
	return region.Difference(p.WaterPolygons(region, tolerance).Geometry(tolerance), tolerance)
}

// WaterPolygons returns the vectorised water bodies within the search margin
// around region.
func (p *Preparer) WaterPolygons(region remote.Region, tolerance float64) remote.Collection {
	closed := remote.Image(p.cfg.WaterAsset).
		Select(p.cfg.WaterBand).
		FocalMax(p.cfg.KernelRadius, kernelSquare, unitsMeters).
		FocalMin(p.cfg.KernelRadius, kernelSquare, unitsMeters)

	return closed.ReduceToVectors(remote.VectorizeOptions{
		Reducer:        remote.CountEvery(),
		Region:         region.Buffer(p.cfg.SearchMargin, tolerance),
		Scale:          p.cfg.VectorScale,
		MaxPixels:      p.cfg.MaxPixels,
		GeometryType:   "polygon",
		EightConnected: false,
	})
}

// Candidate is one ecoregion overlapping a region.
type Candidate struct {
	Label string  `json:"label"`
	Area  float64 `json:"area"`
}

// BiomeOf returns the biome label of the ecoregion with the largest overlap
// with region, or types.UnknownBiome when none intersects.
func (p *Preparer) BiomeOf(ctx context.Context, client remote.Client, region remote.Region, tolerance float64) (string, error) {
	if region.IsEmpty() {
		return types.UnknownBiome, nil
	}
	expr := remote.FeatureCollection(p.cfg.EcoregionAsset).
		FilterBounds(region).
		IntersectionAreas(region, p.cfg.BiomeProperty, tolerance)

	var cands []Candidate
	if err := client.Evaluate(ctx, expr, &cands); err != nil {
		return "", fmt.Errorf("geometry: biome candidates: %w", err)
	}
	return SelectBiome(cands), nil
}

// SelectBiome picks the largest-overlap label. Equal areas fall back to the
// label in ascending order so the choice is deterministic.
func SelectBiome(cands []Candidate) string {
	if len(cands) == 0 {
		return types.UnknownBiome
	}
	sorted := append([]Candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Area != sorted[j].Area {
			return sorted[i].Area > sorted[j].Area
		}
		return sorted[i].Label < sorted[j].Label
	})
	if sorted[0].Label == "" {
		return types.UnknownBiome
	}
	return sorted[0].Label
}
