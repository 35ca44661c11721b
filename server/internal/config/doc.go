// Package config loads the status-server configuration from the `server:`
// section of config.yaml. The runner sections in the same file are ignored.
//
// Config fields:
//   - GRPCPort         port for the gRPC health service (default 50051)
//   - HTTPPort         port for the REST API and WebSocket hub (default 8080)
//   - Auth.Mode        "apikey" or "none"
//   - Auth.KeyEnv      environment variable holding the expected API key
//   - Auth.Header      gRPC metadata/HTTP header name (default "x-api-key")
//   - Ledger.Path      SQLite job ledger written by the runner
//   - RefreshInterval  how often the ledger is re-read (default 15s)
//   - Runs.Limit       how many recent runs are kept in memory (default 50)
//   - Alerts           rules evaluated per run plus webhook targets
//
// Load(path) applies defaults before unmarshalling, then validates.
// Watch(ctx, path, fn) reloads on write so alert rules can change at runtime.
package config
