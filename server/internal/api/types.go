package api

import "github.com/edgestack/edgestack/pkg/types"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	// State is idle | running | healthy | degraded | critical, taken from
	// the most recent run.
	State        string       `json:"state"`
	RunCount     int          `json:"run_count"`
	RunningCount int          `json:"running_count"`
	AlertCount   int          `json:"alert_count"`
	Latest       *RunResponse `json:"latest,omitempty"`
	LastRefresh  string       `json:"last_refresh,omitempty"` // RFC3339
	RefreshError string       `json:"refresh_error,omitempty"`
}

// RunResponse is one run in GET /api/v1/runs or GET /api/v1/runs/{id}.
type RunResponse struct {
	ID             string           `json:"id"`
	Mode           string           `json:"mode"`
	MaxConcurrency int              `json:"max_concurrency"`
	State          string           `json:"state"`
	Items          int              `json:"items"`
	Pending        int              `json:"pending"`
	InFlight       int              `json:"in_flight"`
	Succeeded      int              `json:"succeeded"`
	Failed         int              `json:"failed"`
	FailedPct      float64          `json:"failed_pct"`
	FailuresByKind map[string]int   `json:"failures_by_kind"`
	StartedAt      string           `json:"started_at"`            // RFC3339
	FinishedAt     string           `json:"finished_at,omitempty"` // RFC3339
	DurationSec    float64          `json:"duration_sec,omitempty"`
	Diagnostics    []DiagnosticHint `json:"diagnostics,omitempty"`
}

// JobsResponse is the payload for GET /api/v1/runs/{id}/jobs.
type JobsResponse struct {
	RunID string             `json:"run_id"`
	Jobs  []types.JobSummary `json:"jobs"`
}

// SnapshotResponse is the payload for GET /api/v1/snapshot and the WebSocket stream.
type SnapshotResponse struct {
	Runs        []RunResponse `json:"runs"`
	Alerts      []AlertView   `json:"alerts"`
	GeneratedAt string        `json:"generated_at"` // RFC3339
}

// AlertView is the JSON shape of one alert.
type AlertView struct {
	RuleName   string  `json:"rule_name"`
	RunID      string  `json:"run_id"`
	Severity   string  `json:"severity"`
	State      string  `json:"state"`
	Message    string  `json:"message"`
	Value      float64 `json:"value"`
	FiredAt    string  `json:"fired_at"`
	ResolvedAt string  `json:"resolved_at,omitempty"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
