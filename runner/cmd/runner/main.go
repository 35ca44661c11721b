package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/edgestack/edgestack/pkg/ledger"
	"github.com/edgestack/edgestack/runner/internal/bandstats"
	"github.com/edgestack/edgestack/runner/internal/catalog"
	"github.com/edgestack/edgestack/runner/internal/composite"
	"github.com/edgestack/edgestack/runner/internal/config"
	"github.com/edgestack/edgestack/runner/internal/geometry"
	"github.com/edgestack/edgestack/runner/internal/metrics"
	"github.com/edgestack/edgestack/runner/internal/notify"
	"github.com/edgestack/edgestack/runner/internal/orchestrator"
	"github.com/edgestack/edgestack/runner/internal/pipeline"
	"github.com/edgestack/edgestack/runner/internal/remote"
	"github.com/edgestack/edgestack/runner/internal/sink"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to config file")
	entities := pflag.StringSlice("entity", nil, "protected-area ids to process (overrides runner.entity_ids)")
	startYear := pflag.Int("start-year", 0, "first year of the batch (overrides runner.start_year)")
	years := pflag.Int("years", 0, "number of years from start-year (overrides runner.n_years)")
	mode := pflag.String("mode", "", "dispatch mode: pool | async (overrides runner.mode)")
	maxConcurrency := pflag.Int("max-concurrency", 0, "jobs in flight at once (overrides runner.max_concurrency)")
	mergeOut := pflag.String("merge", "", "merge every stored table into this local CSV file and exit")
	pflag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("edgestack-runner starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	rc := &cfg.Runner
	if pflag.CommandLine.Changed("entity") {
		rc.EntityIDs = *entities
	}
	if pflag.CommandLine.Changed("start-year") {
		rc.StartYear = *startYear
	}
	if pflag.CommandLine.Changed("years") {
		rc.NYears = *years
	}
	if pflag.CommandLine.Changed("mode") {
		rc.Mode = *mode
	}
	if pflag.CommandLine.Changed("max-concurrency") {
		rc.MaxConcurrency = *maxConcurrency
	}
	lvl, _ := config.ParseLevel(rc.LogLevel)
	level.Set(lvl)

	dispatch, err := orchestrator.ParseMode(rc.Mode)
	if err != nil {
		slog.Error("invalid mode", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"mode", dispatch,
		"max_concurrency", rc.MaxConcurrency,
		"entities", len(rc.EntityIDs),
		"start_year", rc.StartYear,
		"n_years", rc.NYears,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Batch parameters are fixed once a batch starts; only the log level
	// follows the file.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			l, _ := config.ParseLevel(updated.Runner.LogLevel)
			level.Set(l)
			slog.Info("config hot-reloaded", "log_level", l)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	m := metrics.New()
	if rc.TextfilePath != "" {
		logPreviousBatch(rc.TextfilePath)
	}

	store, err := sink.NewMinioStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open object storage", "err", err)
		os.Exit(1)
	}

	if *mergeOut != "" {
		if err := merge(ctx, sink.New(store, nil, cfg.Storage, sink.Options{Observe: m.ObserveStorage}), cfg.Storage.TablePrefix, *mergeOut); err != nil {
			slog.Error("merge failed", "err", err)
			os.Exit(1)
		}
		return
	}

	client, err := remote.NewHTTPClient(cfg.Remote, remote.WithObserver(m.ObserveRemoteCall))
	if err != nil {
		slog.Error("failed to build remote client", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := run(ctx, cfg, dispatch, client, store, m); err != nil {
		slog.Error("batch failed", "err", err)
		os.Exit(1)
	}
	slog.Info("edgestack-runner shutting down")
}

func run(ctx context.Context, cfg *config.Config, dispatch orchestrator.Mode, client remote.Client, store sink.ObjectStore, m *metrics.Metrics) error {
	rc := cfg.Runner
	runID := uuid.NewString()
	started := time.Now().UTC()

	var stamp string
	if rc.TimestampNames {
		stamp = started.Format("20060102T150405")
	}

	p := pipeline.New(pipeline.Deps{
		Client:     client,
		Catalog:    catalog.New(cfg.Catalog, client),
		Preparer:   geometry.New(cfg.Geometry),
		Compositor: composite.New(cfg.Composite),
		Extractor:  bandstats.New(rc, cfg.Composite),
		Sink: sink.New(store, client, cfg.Storage, sink.Options{
			RunID:       runID,
			ExportScale: rc.ExportScale,
			Timestamp:   stamp,
			Observe:     m.ObserveStorage,
		}),
	}, rc)

	observers := []orchestrator.Observer{m}

	items := orchestrator.BuildItems(rc.EntityIDs, rc.StartYear, rc.NYears)

	var led *ledger.Ledger
	if cfg.Ledger.Path != "" {
		var err error
		led, err = ledger.Open(ctx, cfg.Ledger.Path)
		if err != nil {
			return err
		}
		defer led.Close()
		observers = append(observers, led)

		if rc.Resume {
			done, err := led.Completed(ctx)
			if err != nil {
				return err
			}
			before := len(items)
			items = orchestrator.Skip(items, done)
			slog.Info("resume: skipping completed items", "skipped", before-len(items), "remaining", len(items))
		}
	}

	pubCtx, stopPub := context.WithCancel(context.WithoutCancel(ctx))
	var pubDone sync.WaitGroup
	pub := notify.New(cfg.Events)
	if pub.Enabled() {
		observers = append(observers, pub)
		pubDone.Add(1)
		go func() {
			defer pubDone.Done()
			pub.Run(pubCtx)
		}()
	}
	defer func() {
		stopPub()
		pubDone.Wait()
	}()

	if rc.MetricsAddr != "" {
		srv := serveMetrics(rc.MetricsAddr, m)
		defer srv.Shutdown(context.Background())
	}

	if led != nil {
		if err := led.BeginRun(ctx, ledger.Run{
			ID:             runID,
			Mode:           string(dispatch),
			MaxConcurrency: rc.MaxConcurrency,
			Items:          len(items),
			StartedAt:      started,
		}); err != nil {
			return err
		}
	}
	m.BatchStarted(runID, string(dispatch))

	res, err := orchestrator.New(p, p).Run(ctx, items, orchestrator.Options{
		RunID:          runID,
		Mode:           dispatch,
		MaxConcurrency: rc.MaxConcurrency,
		PollInterval:   rc.PollInterval,
		MaxPollErrors:  rc.MaxPollErrors,
		Observers:      observers,
	})
	if err != nil {
		return err
	}

	finished := time.Now().UTC()
	m.BatchFinished(finished)
	if led != nil {
		if err := led.FinishRun(context.WithoutCancel(ctx), runID, finished, res.Succeeded, res.Failed); err != nil {
			slog.Warn("ledger: run not finalised", "run_id", runID, "err", err)
		}
	}
	if rc.TextfilePath != "" {
		if err := m.WriteTextfile(rc.TextfilePath); err != nil {
			slog.Warn("metrics textfile not written", "path", rc.TextfilePath, "err", err)
		}
	}

	slog.Info("batch summary",
		"run_id", runID,
		"items", len(res.Jobs),
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"failures_by_kind", res.FailuresByKind(),
		"max_in_flight", res.MaxInFlight,
		"elapsed", finished.Sub(started),
	)
	return nil
}

func serveMetrics(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "err", err)
		}
	}()
	return srv
}

func merge(ctx context.Context, s *sink.Sink, prefix, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	n, err := s.Merge(ctx, prefix, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("merge %s: %w", prefix, err)
	}
	slog.Info("tables merged", "prefix", prefix, "rows", n, "out", out)
	return nil
}

func logPreviousBatch(path string) {
	mfs, err := metrics.ReadTextfile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("previous metrics textfile unreadable", "path", path, "err", err)
		}
		return
	}
	slog.Info("previous batch",
		"completed", metrics.Sum(mfs["edgestack_job_transitions_total"], map[string]string{"state": "COMPLETED"}),
		"failed", metrics.Sum(mfs["edgestack_job_transitions_total"], map[string]string{"state": "FAILED"}),
		"finished_at", time.Unix(int64(metrics.Sum(mfs["edgestack_last_batch_finished_timestamp_seconds"], nil)), 0).UTC(),
	)
}
