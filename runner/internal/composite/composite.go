// Package composite builds the yearly median composite of the surface
// reflectance source and derives the EVI and NDVI index bands.
package composite

import (
	"context"
	"fmt"

	"github.com/edgestack/edgestack/pkg/types"
	"github.com/edgestack/edgestack/runner/internal/config"
	"github.com/edgestack/edgestack/runner/internal/remote"
)

// Derived band names.
const (
	BandEVI  = "EVI"
	BandNDVI = "NDVI"
)

// qaCloudBits selects the cloud-state bits (0-1) of the QA band; 0 means clear.
const qaCloudBits = 0b11

// Compositor builds composites from the configured image source.
type Compositor struct {
	cfg config.CompositeConfig
}

// New returns a Compositor for cfg.
func New(cfg config.CompositeConfig) *Compositor {
	return &Compositor{cfg: cfg}
}

// Bands returns the fixed ordered band list statistics are extracted for:
// RED, NIR, BLUE, EVI, NDVI.
func (c *Compositor) Bands() []string {
	return []string{c.cfg.Red, c.cfg.NIR, c.cfg.Blue, BandEVI, BandNDVI}
}

// Collection returns the source images intersecting region and acquired in
// [year-01-01, (year+1)-01-01). The bounds filter is skipped for an empty
// region, whose footprint cannot intersect anything.
func (c *Compositor) Collection(region remote.Region, year int) remote.Collection {
	coll := remote.ImageCollection(c.cfg.Source)
	if !region.IsEmpty() {
		coll = coll.FilterBounds(region)
	}
	coll = coll.FilterDate(fmt.Sprintf("%04d-01-01", year), fmt.Sprintf("%04d-01-01", year+1))
	if c.cfg.CloudMask {
		coll = coll.Map("image", c.maskClouds(remote.RasterOf(remote.Var("image"))).Expr())
	}
	return coll
}

// maskClouds keeps pixels whose QA cloud-state bits are clear.
func (c *Compositor) maskClouds(img remote.Raster) remote.Raster {
	clearSky := img.Select(c.cfg.QABand).BitwiseAnd(qaCloudBits).Eq(0)
	return img.UpdateMask(clearSky)
}

// Composite returns the median composite for (region, year) with the index
// bands added. It fails with types.ErrEmptyCollection when no image survives
// filtering; that is the only evaluation this stage performs.
func (c *Compositor) Composite(ctx context.Context, client remote.Client, region remote.Region, year int) (remote.Raster, error) {
	coll := c.Collection(region, year)
	n, err := client.Size(ctx, coll)
	if err != nil {
		return remote.Raster{}, fmt.Errorf("composite: count images: %w", err)
	}
	if n == 0 {
		return remote.Raster{}, fmt.Errorf("composite: %s in %d: %w", c.cfg.Source, year, types.ErrEmptyCollection)
	}
	return c.AddIndices(coll.Median().Clip(region)), nil
}

// AddIndices appends EVI and NDVI to img. Each index is masked where its
// denominator is zero.
//
//	EVI  = 2.5 * (NIR - RED) / (NIR + 6*RED - 7.5*BLUE + 1)
//	NDVI = (NIR - RED) / (NIR + RED)
func (c *Compositor) AddIndices(img remote.Raster) remote.Raster {
	nir := img.Select(c.cfg.NIR)
	red := img.Select(c.cfg.Red)
	blue := img.Select(c.cfg.Blue)

	diff := nir.Subtract(red)

	eviDen := nir.
		Add(red.Multiply(remote.Constant(6))).
		Subtract(blue.Multiply(remote.Constant(7.5))).
		Add(remote.Constant(1))
	evi := remote.Constant(2.5).Multiply(diff).Divide(eviDen).
		UpdateMask(eviDen.NotEqual(0)).
		Rename(BandEVI)

	ndviDen := nir.Add(red)
	ndvi := diff.Divide(ndviDen).
		UpdateMask(ndviDen.NotEqual(0)).
		Rename(BandNDVI)

	return img.AddBands(evi, ndvi)
}
