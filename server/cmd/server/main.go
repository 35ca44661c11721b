package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/edgestack/edgestack/pkg/ledger"
	"github.com/edgestack/edgestack/server/internal/alerts"
	"github.com/edgestack/edgestack/server/internal/api"
	"github.com/edgestack/edgestack/server/internal/auth"
	"github.com/edgestack/edgestack/server/internal/config"
	"github.com/edgestack/edgestack/server/internal/health"
	"github.com/edgestack/edgestack/server/internal/store"
	"github.com/edgestack/edgestack/server/internal/ws"
)

// healthPrefix exempts the standard health service from API key checks so
// orchestrator probes work without credentials.
const healthPrefix = "/grpc.health.v1.Health/"

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to config file")
	ledgerPath := pflag.String("ledger", "", "job ledger path (overrides server.ledger.path)")
	broadcast := pflag.Duration("broadcast-interval", 5*time.Second, "WebSocket broadcast interval")
	pflag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("edgestack-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	sc := &cfg.Server
	if pflag.CommandLine.Changed("ledger") {
		sc.Ledger.Path = *ledgerPath
	}
	level.Set(sc.Level())

	slog.Info("config loaded",
		"grpc_port", sc.GRPCPort,
		"http_port", sc.HTTPPort,
		"auth_mode", sc.Auth.Mode,
		"ledger", sc.Ledger.Path,
		"refresh_interval", sc.RefreshInterval,
		"alert_rules", len(sc.Alerts.Rules),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	led, err := ledger.Open(ctx, sc.Ledger.Path)
	if err != nil {
		slog.Error("failed to open ledger", "path", sc.Ledger.Path, "err", err)
		os.Exit(1)
	}
	defer led.Close()

	st := store.New(led, sc.Runs.Limit)
	alertEngine := alerts.New(sc.Alerts)
	reporter := health.New(3 * sc.RefreshInterval)
	hub := ws.New(st, alertEngine, *broadcast)

	// Alert rules and the log level follow the file; ports, auth and the
	// ledger path need a restart.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			level.Set(updated.Server.Level())
			alertEngine.Reload(updated.Server.Alerts)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	// Each refresh feeds health, alerts and the stream.
	go st.Run(ctx, sc.RefreshInterval, func(err error) {
		reporter.Observe(err)
		if err == nil {
			alertEngine.Evaluate(st.List())
			hub.Notify()
		}
	})
	go hub.Run(ctx)

	// gRPC server: standard health service behind the API key interceptors.
	mode, header, key := sc.Auth.Mode, sc.Auth.EffectiveHeader(), sc.Auth.Key()
	grpcSrv := grpc.NewServer(
		grpc.UnaryInterceptor(auth.APIKeyInterceptor(mode, header, key, healthPrefix)),
		grpc.StreamInterceptor(auth.APIKeyStreamInterceptor(mode, header, key, healthPrefix)),
	)
	reporter.Register(grpcSrv)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", sc.GRPCPort))
	if err != nil {
		slog.Error("failed to listen on gRPC port", "port", sc.GRPCPort, "err", err)
		os.Exit(1)
	}

	go func() {
		slog.Info("gRPC health listening", "port", sc.GRPCPort)
		if err := grpcSrv.Serve(lis); err != nil {
			slog.Error("gRPC server stopped", "err", err)
		}
	}()

	// Combined HTTP server: REST API + WebSocket hub on HTTPPort.
	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", api.New(st, alertEngine))
	httpMux.Handle("/ws/stream", hub)
	httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !reporter.Serving() {
			http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", sc.HTTPPort),
		Handler:           auth.Middleware(mode, header, key, httpMux, "/healthz"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", sc.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("edgestack-server shutting down")
	reporter.Shutdown()
	grpcSrv.GracefulStop()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	alertEngine.Wait()
}
