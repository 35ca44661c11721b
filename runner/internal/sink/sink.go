// Package sink persists compiled records and submits remote exports.
//
// Tables written by the runner go to object storage as CSV (optionally
// gzip-compressed). Tables and rasters exported by the compute service are
// submitted as export jobs targeting the same bucket. Merge stitches every
// table under a prefix back into one CSV.
package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/edgestack/edgestack/pkg/types"
	"github.com/edgestack/edgestack/runner/internal/config"
	"github.com/edgestack/edgestack/runner/internal/record"
	"github.com/edgestack/edgestack/runner/internal/remote"
	"github.com/edgestack/edgestack/runner/internal/retry"
)

// RasterMaxPixels bounds every raster export.
const RasterMaxPixels = 1e8

const (
	uploadBackoffInitial = 500 * time.Millisecond
	uploadBackoffMax     = 10 * time.Second
)

// Observer receives the outcome of each storage operation (put|get|list|export).
type Observer func(op string, err error)

// Options are the per-batch sink settings.
type Options struct {
	RunID       string
	ExportScale float64
	// Timestamp, when set, is appended to raster artifact names.
	Timestamp string
	Observe   Observer
}

// Sink writes one WorkItem's artifacts.
type Sink struct {
	store  ObjectStore
	client remote.Client
	cfg    config.StorageConfig
	opts   Options
}

// New returns a Sink writing to store and exporting through client.
func New(store ObjectStore, client remote.Client, cfg config.StorageConfig, opts Options) *Sink {
	if cfg.UploadAttempts < 1 {
		cfg.UploadAttempts = 1
	}
	return &Sink{store: store, client: client, cfg: cfg, opts: opts}
}

func (s *Sink) observe(op string, err error) {
	if s.opts.Observe != nil {
		s.opts.Observe(op, err)
	}
}

// TableKey returns the object key of item's table.
func (s *Sink) TableKey(item types.WorkItem) string {
	key := path.Join(s.cfg.TablePrefix, item.Key()+".csv")
	if s.cfg.Gzip {
		key += ".gz"
	}
	return key
}

// RasterKey returns the object key of item's raster export.
func (s *Sink) RasterKey(item types.WorkItem) string {
	name := item.Key()
	if s.opts.Timestamp != "" {
		name += "_" + s.opts.Timestamp
	}
	return path.Join(s.cfg.ImagePrefix, name+".tif")
}

// WriteTable encodes records as CSV and uploads them under TableKey(item).
// Failures match types.ErrSinkWrite. Rows of other items are untouched.
func (s *Sink) WriteTable(ctx context.Context, item types.WorkItem, records []types.Record) (string, error) {
	key := s.TableKey(item)

	var buf bytes.Buffer
	var w io.Writer = &buf
	var gz *gzip.Writer
	if s.cfg.Gzip {
		gz = gzip.NewWriter(&buf)
		w = gz
	}
	if err := record.WriteCSV(w, records); err != nil {
		return "", fmt.Errorf("sink: encode %s: %w: %w", key, types.ErrSinkWrite, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return "", fmt.Errorf("sink: compress %s: %w: %w", key, types.ErrSinkWrite, err)
		}
	}

	opts := PutOptions{
		ContentType: "text/csv",
		Metadata: map[string]string{
			"entity-id": item.EntityID,
			"year":      strconv.Itoa(item.Year),
			"run-id":    s.opts.RunID,
			"rows":      strconv.Itoa(len(records)),
		},
	}
	if s.cfg.Gzip {
		opts.ContentEncoding = "gzip"
	}

	data := buf.Bytes()
	bo := retry.NewBackoff(uploadBackoffInitial, uploadBackoffMax)
	attempt := 0
	err := retry.Do(ctx, s.cfg.UploadAttempts, bo, retryableUpload, func() error {
		attempt++
		err := s.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), opts)
		s.observe("put", err)
		if err != nil && attempt < s.cfg.UploadAttempts {
			slog.Warn("sink: upload failed, retrying",
				"key", key, "attempt", attempt, "err", err)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("sink: upload %s: %w: %w", key, types.ErrSinkWrite, err)
	}
	slog.Debug("sink: table written", "key", key, "rows", len(records), "bytes", len(data))
	return key, nil
}

func retryableUpload(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// ExportTable submits a remote CSV export of a lazy record table.
func (s *Sink) ExportTable(ctx context.Context, item types.WorkItem, table remote.Collection) (remote.JobHandle, error) {
	key := path.Join(s.cfg.TablePrefix, item.Key()+".csv")
	h, err := s.client.SubmitExport(ctx, remote.ExportRequest{
		Description: item.Key(),
		Kind:        remote.ExportTable,
		Table:       table,
		Destination: remote.Destination{Bucket: s.store.Bucket(), Key: key},
		Format:      "CSV",
	})
	s.observe("export", err)
	if err != nil {
		return remote.JobHandle{}, fmt.Errorf("sink: export table %s: %w", key, err)
	}
	return h, nil
}

// WriteRaster submits a cloud-optimized GeoTIFF export of raster over region.
func (s *Sink) WriteRaster(ctx context.Context, item types.WorkItem, raster remote.Raster, region remote.Region) (remote.JobHandle, error) {
	key := s.RasterKey(item)
	h, err := s.client.SubmitExport(ctx, remote.ExportRequest{
		Description:    "image_" + item.Key(),
		Kind:           remote.ExportImage,
		Image:          raster,
		Region:         region,
		Destination:    remote.Destination{Bucket: s.store.Bucket(), Key: key},
		Format:         "GeoTIFF",
		CloudOptimized: true,
		Scale:          s.opts.ExportScale,
		MaxPixels:      RasterMaxPixels,
	})
	s.observe("export", err)
	if err != nil {
		return remote.JobHandle{}, fmt.Errorf("sink: export raster %s: %w", key, err)
	}
	return h, nil
}

// Merge concatenates every table (.csv or .csv.gz) under prefix into w as a
// single CSV with one header row. Columns are aligned by name. It returns
// the number of data rows written.
func (s *Sink) Merge(ctx context.Context, prefix string, w io.Writer) (int, error) {
	keys, err := s.store.List(ctx, prefix)
	s.observe("list", err)
	if err != nil {
		return 0, fmt.Errorf("sink: list %s: %w", prefix, err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(record.Columns); err != nil {
		return 0, fmt.Errorf("sink: merge: %w", err)
	}
	rows := 0
	for _, key := range keys {
		if !strings.HasSuffix(key, ".csv") && !strings.HasSuffix(key, ".csv.gz") {
			continue
		}
		n, err := s.mergeOne(ctx, key, cw)
		if err != nil {
			return rows, err
		}
		rows += n
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return rows, fmt.Errorf("sink: merge: %w", err)
	}
	return rows, nil
}

func (s *Sink) mergeOne(ctx context.Context, key string, cw *csv.Writer) (int, error) {
	rc, err := s.store.Get(ctx, key)
	s.observe("get", err)
	if err != nil {
		return 0, fmt.Errorf("sink: get %s: %w", key, err)
	}
	defer rc.Close()

	var r io.Reader = rc
	if strings.HasSuffix(key, ".gz") {
		zr, err := gzip.NewReader(rc)
		if err != nil {
			return 0, fmt.Errorf("sink: gunzip %s: %w", key, err)
		}
		defer zr.Close()
		r = zr
	}

	n := 0
	err = record.Rows(r, func(row []string) error {
		n++
		return cw.Write(row)
	})
	if err != nil {
		return n, fmt.Errorf("sink: merge %s: %w", key, err)
	}
	return n, nil
}
