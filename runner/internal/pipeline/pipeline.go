// Package pipeline runs the per-WorkItem analysis: catalog lookup, region
// preparation, entity info, compositing, statistics, record compilation and
// the sink. Stages run strictly in that order; a failure stops the item and
// is returned as a *types.ItemError naming the stage.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/edgestack/edgestack/pkg/types"
	"github.com/edgestack/edgestack/runner/internal/bandstats"
	"github.com/edgestack/edgestack/runner/internal/catalog"
	"github.com/edgestack/edgestack/runner/internal/composite"
	"github.com/edgestack/edgestack/runner/internal/config"
	"github.com/edgestack/edgestack/runner/internal/geometry"
	"github.com/edgestack/edgestack/runner/internal/record"
	"github.com/edgestack/edgestack/runner/internal/remote"
)

// Stage names carried by ItemError.
const (
	StageCatalog    = "catalog"
	StageEntityInfo = "entity_info"
	StageComposite  = "composite"
	StageStatistics = "statistics"
	StageCompile    = "compile"
	StageSink       = "sink"
	StageExport     = "export"
	StagePoll       = "poll"
)

// Catalog resolves entity ids.
type Catalog interface {
	Lookup(ctx context.Context, id string) (*catalog.Entry, error)
}

// Sink persists one item's artifacts.
type Sink interface {
	WriteTable(ctx context.Context, item types.WorkItem, records []types.Record) (string, error)
	ExportTable(ctx context.Context, item types.WorkItem, table remote.Collection) (remote.JobHandle, error)
	WriteRaster(ctx context.Context, item types.WorkItem, raster remote.Raster, region remote.Region) (remote.JobHandle, error)
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Client     remote.Client
	Catalog    Catalog
	Preparer   *geometry.Preparer
	Compositor *composite.Compositor
	Extractor  *bandstats.Extractor
	Sink       Sink
}

// Pipeline is safe for concurrent use; it holds no per-item state.
type Pipeline struct {
	Deps
	cfg config.RunnerConfig
}

// New returns a Pipeline with the distances and export flags of cfg.
func New(deps Deps, cfg config.RunnerConfig) *Pipeline {
	return &Pipeline{Deps: deps, cfg: cfg}
}

// prepared is everything built for one item before statistics are evaluated.
type prepared struct {
	item      types.WorkItem
	info      types.EntityInfo
	entity    remote.Region
	analysis  remote.Region
	composite remote.Raster
	plans     []bandstats.Plan
}

func (p *Pipeline) prepare(ctx context.Context, item types.WorkItem) (*prepared, error) {
	entry, err := p.Catalog.Lookup(ctx, item.EntityID)
	if err != nil {
		return nil, types.WrapItem(item, StageCatalog, err)
	}

	analysis := p.Preparer.Prepare(entry.Region, p.cfg.BufferDistance, p.cfg.Tolerance)

	biome, err := p.Preparer.BiomeOf(ctx, p.Client, analysis, p.cfg.Tolerance)
	if err != nil {
		return nil, types.WrapItem(item, StageEntityInfo, err)
	}
	hm, err := p.Extractor.HumanModification(ctx, p.Client, analysis)
	if err != nil {
		return nil, types.WrapItem(item, StageEntityInfo, err)
	}
	info := types.EntityInfo{Entity: entry.Entity, Biome: biome, HumanModification: hm}

	img, err := p.Compositor.Composite(ctx, p.Client, analysis, item.Year)
	if err != nil {
		return nil, types.WrapItem(item, StageComposite, err)
	}

	return &prepared{
		item:      item,
		info:      info,
		entity:    entry.Region,
		analysis:  analysis,
		composite: img,
		plans:     p.Extractor.Plan(img, p.Compositor.Bands(), entry.Region, analysis),
	}, nil
}

// Run executes the whole pipeline for item and writes its table. It is the
// unit of work in pool mode.
func (p *Pipeline) Run(ctx context.Context, item types.WorkItem) error {
	pr, err := p.prepare(ctx, item)
	if err != nil {
		return err
	}

	stats, err := p.Extractor.Extract(ctx, p.Client, pr.plans)
	if err != nil {
		return types.WrapItem(item, StageStatistics, err)
	}
	records, err := record.Compile(pr.info, stats, item.Year)
	if err != nil {
		return types.WrapItem(item, StageCompile, err)
	}
	key, err := p.Sink.WriteTable(ctx, item, records)
	if err != nil {
		return types.WrapItem(item, StageSink, err)
	}
	slog.Info("pipeline: table written",
		"entity_id", item.EntityID, "year", item.Year, "key", key, "rows", len(records))

	p.exportRaster(ctx, pr)
	return nil
}

// Submit prepares item and submits its lazy record table as a remote export.
// It is the unit of work in async mode; the returned handle is polled with Poll.
func (p *Pipeline) Submit(ctx context.Context, item types.WorkItem) (remote.JobHandle, error) {
	pr, err := p.prepare(ctx, item)
	if err != nil {
		return remote.JobHandle{}, err
	}
	h, err := p.Sink.ExportTable(ctx, item, record.Table(pr.info, pr.plans, item.Year))
	if err != nil {
		return remote.JobHandle{}, types.WrapItem(item, StageExport, err)
	}
	p.exportRaster(ctx, pr)
	return h, nil
}

// Poll reports the state of a job returned by Submit.
func (p *Pipeline) Poll(ctx context.Context, h remote.JobHandle) (remote.ExportStatus, error) {
	return p.Client.PollStatus(ctx, h)
}

// exportRaster submits the composite as a raster export when configured.
// The raster is a side artifact: it runs after the table is written or
// accepted, is not tracked by the scheduler, and a rejection only logs so
// the item's outcome stays that of its table.
func (p *Pipeline) exportRaster(ctx context.Context, pr *prepared) {
	if !p.cfg.ExportRaster {
		return
	}
	h, err := p.Sink.WriteRaster(ctx, pr.item, pr.composite, pr.analysis)
	if err != nil {
		slog.Warn("pipeline: raster export failed",
			"entity_id", pr.item.EntityID, "year", pr.item.Year,
			"kind", types.ErrorKind(err), "err", err)
		return
	}
	slog.Info("pipeline: raster export submitted",
		"entity_id", pr.item.EntityID, "year", pr.item.Year, "job", h.ID)
}
