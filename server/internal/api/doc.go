// Package api implements the HTTP REST API for edgestack-server.
//
// New(store, engine) returns an http.Handler that serves:
//
//	GET /api/v1/health               latest run state, run counts, alert count
//	GET /api/v1/runs                 cached runs, newest first ([]RunResponse)
//	GET /api/v1/runs/{id}            single run with diagnostics; 404 if unknown
//	GET /api/v1/runs/{id}/jobs       jobs of one run; ?state= filters by state
//	GET /api/v1/alerts               firing and recently resolved alerts
//	GET /api/v1/snapshot             full JSON dump: runs, alerts, generated_at
//
// All endpoints:
//   - Respond with Content-Type: application/json
//   - Return 405 for non-GET methods
//
// JSON types are defined in types.go. No external HTTP framework is used.
package api
