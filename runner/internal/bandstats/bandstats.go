// Package bandstats measures gradient-magnitude statistics per band over the
// buffer and boundary regions of one protected area.
package bandstats

import (
	"context"
	"fmt"

	"github.com/edgestack/edgestack/pkg/types"
	"github.com/edgestack/edgestack/runner/internal/config"
	"github.com/edgestack/edgestack/runner/internal/geometry"
	"github.com/edgestack/edgestack/runner/internal/remote"
)

// Output names of the combined reducer.
const (
	KeyMean   = "mean"
	KeyStdDev = "stdDev"
	KeyCount  = "count"
)

// DefaultMaxPixels bounds every statistics reduction.
const DefaultMaxPixels = 1e10

// Extractor plans and evaluates the per-band reductions.
type Extractor struct {
	Scale         float64
	MaxPixels     float64
	BoundaryWidth float64
	Tolerance     float64

	hmAsset string
	hmBand  string
}

// New returns an Extractor configured from the runner and composite sections.
func New(rc config.RunnerConfig, cc config.CompositeConfig) *Extractor {
	return &Extractor{
		Scale:         rc.AnalysisScale,
		MaxPixels:     DefaultMaxPixels,
		BoundaryWidth: rc.BoundaryWidth,
		Tolerance:     rc.Tolerance,
		hmAsset:       cc.HumanModificationAsset,
		hmBand:        cc.HumanModificationBand,
	}
}

// Plan is the pair of unevaluated reductions for one band.
type Plan struct {
	Band     string
	Buffer   remote.ReduceRequest
	Boundary remote.ReduceRequest
}

// Request returns the reduction for kind.
func (p Plan) Request(kind types.RegionKind) remote.ReduceRequest {
	if kind == types.RegionBoundary {
		return p.Boundary
	}
	return p.Buffer
}

// Kinds is the order statistics are emitted in for each band.
var Kinds = []types.RegionKind{types.RegionBuffer, types.RegionBoundary}

// Reducer is mean ⊕ stdDev ⊕ count with shared inputs, so all three moments
// are computed over the same pixel set in a single pass.
func Reducer() remote.Reducer {
	return remote.Mean().
		Combine(remote.StdDev(), true).
		Combine(remote.Count(), true)
}

// Magnitude is sqrt(gx² + gy²) of a single-band image.
func Magnitude(band remote.Raster) remote.Raster {
	g := band.Gradient()
	return g.Select("x").Pow(2).Add(g.Select("y").Pow(2)).Sqrt()
}

// Plan builds, for each band in order, the buffer reduction over
// analysisRegion and the boundary reduction over the band of ±BoundaryWidth
// around entityRegion, restricted to analysisRegion.
func (x *Extractor) Plan(composite remote.Raster, bands []string, entityRegion, analysisRegion remote.Region) []Plan {
	boundary := geometry.BoundaryBand(entityRegion, x.BoundaryWidth, x.Tolerance)
	if analysisRegion.IsEmpty() {
		boundary = remote.EmptyRegion()
	}

	plans := make([]Plan, 0, len(bands))
	for _, band := range bands {
		bufferImg := Magnitude(composite.Select(band)).Clip(analysisRegion)
		plans = append(plans, Plan{
			Band:     band,
			Buffer:   x.request(bufferImg, analysisRegion),
			Boundary: x.request(bufferImg.Clip(boundary), boundary),
		})
	}
	return plans
}

func (x *Extractor) request(img remote.Raster, region remote.Region) remote.ReduceRequest {
	return remote.ReduceRequest{
		Image:     img,
		Reducer:   Reducer(),
		Region:    region,
		Scale:     x.Scale,
		MaxPixels: x.MaxPixels,
	}
}

// Extract evaluates every plan and returns two statistics per band, buffer
// then boundary, in band order. A region with no valid pixels yields a zero
// count and nil moments; an empty region is not sent to the service.
func (x *Extractor) Extract(ctx context.Context, client remote.Client, plans []Plan) ([]types.BandStatistic, error) {
	out := make([]types.BandStatistic, 0, 2*len(plans))
	for _, p := range plans {
		for _, kind := range Kinds {
			req := p.Request(kind)
			if req.Region.IsEmpty() {
				out = append(out, types.BandStatistic{Band: p.Band, Kind: kind})
				continue
			}
			stats, err := client.Reduce(ctx, req)
			if err != nil {
				return nil, fmt.Errorf("bandstats: %s %s: %w", p.Band, kind, err)
			}
			out = append(out, x.statistic(p.Band, kind, stats))
		}
	}
	return out, nil
}

func (x *Extractor) statistic(band string, kind types.RegionKind, s remote.Stats) types.BandStatistic {
	bs := types.BandStatistic{Band: band, Kind: kind}
	count, _ := s.Value(KeyCount)
	if count <= 0 {
		return bs
	}
	bs.Count = int64(count)
	bs.Area = count * x.Scale * x.Scale
	if v, ok := s.Value(KeyMean); ok {
		bs.Mean = &v
	}
	if v, ok := s.Value(KeyStdDev); ok {
		bs.StdDev = &v
	}
	return bs
}

// HumanModification returns the mean human-modification index over region,
// or types.MissingIndex when the dataset has no coverage there.
func (x *Extractor) HumanModification(ctx context.Context, client remote.Client, region remote.Region) (float64, error) {
	if region.IsEmpty() {
		return types.MissingIndex, nil
	}
	stats, err := client.Reduce(ctx, remote.ReduceRequest{
		Image:     remote.ImageCollection(x.hmAsset).Mean().Select(x.hmBand),
		Reducer:   remote.Mean(),
		Region:    region,
		Scale:     x.Scale,
		MaxPixels: x.MaxPixels,
	})
	if err != nil {
		return 0, fmt.Errorf("bandstats: human modification: %w", err)
	}
	if v, ok := stats.Value(x.hmBand); ok {
		return v, nil
	}
	return types.MissingIndex, nil
}
