// Package record compiles band statistics into flat output rows and encodes
// them as CSV.
package record

import (
	"fmt"

	"github.com/edgestack/edgestack/pkg/types"
	"github.com/edgestack/edgestack/runner/internal/bandstats"
	"github.com/edgestack/edgestack/runner/internal/remote"
)

// Columns is the output schema, in order.
var Columns = []string{
	"id",
	"name",
	"governance_type",
	"ownership_type",
	"status_year",
	"classification",
	"area",
	"human_modification_index",
	"biome",
	"year",
	"band_name",
	"boundary_mean",
	"boundary_stddev",
	"boundary_count",
	"buffer_mean",
	"buffer_stddev",
	"buffer_count",
}

// Compile merges entity metadata, per-band statistics and the year into one
// Record per band, in the order bands first appear in stats. Every band must
// carry exactly one buffer and one boundary statistic.
//
// Compile is pure: info and stats are only read.
func Compile(info types.EntityInfo, stats []types.BandStatistic, year int) ([]types.Record, error) {
	if info.ID == "" {
		return nil, fmt.Errorf("record: entity without id")
	}

	type pair struct {
		buffer, boundary *types.BandStatistic
	}
	var order []string
	byBand := make(map[string]*pair)
	for i := range stats {
		s := &stats[i]
		if s.Band == "" {
			return nil, fmt.Errorf("record: statistic %d without band name", i)
		}
		p, ok := byBand[s.Band]
		if !ok {
			p = &pair{}
			byBand[s.Band] = p
			order = append(order, s.Band)
		}
		var slot **types.BandStatistic
		switch s.Kind {
		case types.RegionBuffer:
			slot = &p.buffer
		case types.RegionBoundary:
			slot = &p.boundary
		default:
			return nil, fmt.Errorf("record: band %s: unknown region kind %q", s.Band, s.Kind)
		}
		if *slot != nil {
			return nil, fmt.Errorf("record: band %s: duplicate %s statistic", s.Band, s.Kind)
		}
		*slot = s
	}

	records := make([]types.Record, 0, len(order))
	for _, band := range order {
		p := byBand[band]
		if p.buffer == nil {
			return nil, fmt.Errorf("record: band %s: missing buffer statistic", band)
		}
		if p.boundary == nil {
			return nil, fmt.Errorf("record: band %s: missing boundary statistic", band)
		}
		r := base(info, year, band)
		r.BoundaryMean = p.boundary.Mean
		r.BoundaryStdDev = p.boundary.StdDev
		r.BoundaryCount = p.boundary.Count
		r.BufferMean = p.buffer.Mean
		r.BufferStdDev = p.buffer.StdDev
		r.BufferCount = p.buffer.Count
		records = append(records, r)
	}
	return records, nil
}

func base(info types.EntityInfo, year int, band string) types.Record {
	return types.Record{
		ID:                     info.ID,
		Name:                   info.Name,
		GovernanceType:         info.GovernanceType,
		OwnershipType:          info.OwnershipType,
		StatusYear:             info.StatusYear,
		Classification:         info.Classification,
		Area:                   info.Area,
		HumanModificationIndex: info.HumanModification,
		Biome:                  info.Biome,
		Year:                   year,
		BandName:               band,
	}
}

// Table is the lazy equivalent of Compile for remote export: one feature per
// plan whose statistic columns reference the unevaluated reductions. Plans
// over an empty region contribute null moments and a zero count.
func Table(info types.EntityInfo, plans []bandstats.Plan, year int) remote.Collection {
	features := make([]remote.Feature, 0, len(plans))
	for _, p := range plans {
		r := base(info, year, p.Band)
		props := map[string]any{
			"id":                       r.ID,
			"name":                     r.Name,
			"governance_type":          r.GovernanceType,
			"ownership_type":           r.OwnershipType,
			"status_year":              r.StatusYear,
			"classification":           r.Classification,
			"area":                     r.Area,
			"human_modification_index": r.HumanModificationIndex,
			"biome":                    r.Biome,
			"year":                     r.Year,
			"band_name":                r.BandName,
		}
		statColumns(props, "buffer", p.Buffer)
		statColumns(props, "boundary", p.Boundary)
		features = append(features, remote.NewFeature(props))
	}
	return remote.NewFeatureCollection(features...)
}

func statColumns(props map[string]any, prefix string, req remote.ReduceRequest) {
	if req.Region.IsEmpty() {
		props[prefix+"_mean"] = nil
		props[prefix+"_stddev"] = nil
		props[prefix+"_count"] = 0
		return
	}
	d := req.Dict()
	props[prefix+"_mean"] = d.Get(bandstats.KeyMean)
	props[prefix+"_stddev"] = d.Get(bandstats.KeyStdDev)
	props[prefix+"_count"] = d.GetOr(bandstats.KeyCount, 0)
}
