package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	// Runner sections present; only the ledger path is set for the server.
	p := writeConfig(t, `runner:
  mode: pool
server:
  ledger:
    path: /var/lib/edgestack/ledger.db
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := cfg.Server
	if s.GRPCPort != DefaultGRPCPort {
		t.Errorf("grpc_port: got %d, want %d", s.GRPCPort, DefaultGRPCPort)
	}
	if s.HTTPPort != DefaultHTTPPort {
		t.Errorf("http_port: got %d, want %d", s.HTTPPort, DefaultHTTPPort)
	}
	if s.RefreshInterval != DefaultRefreshInterval {
		t.Errorf("refresh_interval: got %v, want %v", s.RefreshInterval, DefaultRefreshInterval)
	}
	if s.Runs.Limit != DefaultRunLimit {
		t.Errorf("runs.limit: got %d, want %d", s.Runs.Limit, DefaultRunLimit)
	}
	if s.LogLevel != "info" || s.Level() != slog.LevelInfo {
		t.Errorf("log_level: got %q (%v), want info", s.LogLevel, s.Level())
	}
}

func TestLoad_FullServer(t *testing.T) {
	p := writeConfig(t, `server:
  grpc_port: 9090
  http_port: 9091
  log_level: debug
  auth:
    mode: apikey
    key_env: MY_KEY
    header: x-edge-key
  ledger:
    path: ledger.db
  refresh_interval: 1m
  runs:
    limit: 5
  alerts:
    rules:
      - name: high-failure-rate
        condition: "failed_pct > 10"
        severity: critical
        cooldown: 30m
    webhooks:
      - type: slack
        url_env: SLACK_URL
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := cfg.Server
	if s.GRPCPort != 9090 {
		t.Errorf("grpc_port: got %d, want 9090", s.GRPCPort)
	}
	if s.Level() != slog.LevelDebug {
		t.Errorf("Level: got %v, want debug", s.Level())
	}
	if s.Auth.EffectiveHeader() != "x-edge-key" {
		t.Errorf("header: got %q, want x-edge-key", s.Auth.EffectiveHeader())
	}
	if s.RefreshInterval != time.Minute {
		t.Errorf("refresh_interval: got %v, want 1m", s.RefreshInterval)
	}
	if s.Runs.Limit != 5 {
		t.Errorf("runs.limit: got %d, want 5", s.Runs.Limit)
	}
	if len(s.Alerts.Rules) != 1 || s.Alerts.Rules[0].Cooldown != 30*time.Minute {
		t.Errorf("alerts.rules: got %+v", s.Alerts.Rules)
	}
	if len(s.Alerts.Webhooks) != 1 || s.Alerts.Webhooks[0].Type != "slack" {
		t.Errorf("alerts.webhooks: got %+v", s.Alerts.Webhooks)
	}
}

func TestLoad_DefaultHeader(t *testing.T) {
	cfg, err := Parse([]byte(`server:
  auth:
    mode: apikey
    key_env: K
  ledger:
    path: l.db
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h := cfg.Server.Auth.EffectiveHeader(); h != "x-api-key" {
		t.Errorf("EffectiveHeader: got %q, want x-api-key", h)
	}
}

func TestLoad_KeyEnvResolution(t *testing.T) {
	t.Setenv("TEST_SERVER_KEY", "supersecret")
	cfg, err := Parse([]byte(`server:
  auth:
    mode: apikey
    key_env: TEST_SERVER_KEY
  ledger:
    path: l.db
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if k := cfg.Server.Auth.Key(); k != "supersecret" {
		t.Errorf("Key(): got %q, want supersecret", k)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown auth mode", "server:\n  ledger: {path: l.db}\n  auth: {mode: oauth2}\n"},
		{"apikey without env", "server:\n  ledger: {path: l.db}\n  auth: {mode: apikey}\n"},
		{"missing ledger", "server:\n  http_port: 8080\n"},
		{"port out of range", "server:\n  ledger: {path: l.db}\n  grpc_port: 70000\n"},
		{"zero refresh", "server:\n  ledger: {path: l.db}\n  refresh_interval: 0s\n"},
		{"bad log level", "server:\n  ledger: {path: l.db}\n  log_level: verbose\n"},
		{"rule without condition", "server:\n  ledger: {path: l.db}\n  alerts:\n    rules:\n      - name: x\n"},
		{"unknown webhook", "server:\n  ledger: {path: l.db}\n  alerts:\n    webhooks:\n      - type: pagerduty\n"},
		{"bad yaml", "server: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestWatch_Reload(t *testing.T) {
	p := writeConfig(t, "server:\n  ledger: {path: l.db}\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, p, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(p, []byte("server:\n  ledger: {path: l.db}\n  runs: {limit: 7}\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case c := <-got:
		if c.Server.Runs.Limit != 7 {
			t.Errorf("runs.limit after reload: got %d, want 7", c.Server.Runs.Limit)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
