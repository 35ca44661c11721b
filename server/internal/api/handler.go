package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/edgestack/edgestack/pkg/ledger"
	"github.com/edgestack/edgestack/pkg/types"
	"github.com/edgestack/edgestack/server/internal/alerts"
	"github.com/edgestack/edgestack/server/internal/store"
)

// Handler is the HTTP handler for all /api/v1/* endpoints.
// It reads run state from the store and returns JSON responses.
type Handler struct {
	store  *store.Store
	alerts *alerts.Engine
	mux    *http.ServeMux
	now    func() time.Time
}

// New creates a Handler wired to the given run store and alert engine and
// registers all routes. eng may be nil when alerting is not configured.
func New(st *store.Store, eng *alerts.Engine) http.Handler {
	h := &Handler{store: st, alerts: eng, mux: http.NewServeMux(), now: time.Now}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/runs", h.listRuns)
	h.mux.HandleFunc("/api/v1/runs/", h.getRun) // subtree: {id} and {id}/jobs
	h.mux.HandleFunc("/api/v1/alerts", h.listAlerts)
	h.mux.HandleFunc("/api/v1/snapshot", h.snapshot)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health: the state of the latest run.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entries := h.store.List()
	resp := HealthResponse{RunCount: len(entries), State: "idle"}
	if h.alerts != nil {
		resp.AlertCount = h.alerts.Firing()
	}
	at, err := h.store.Status()
	if !at.IsZero() {
		resp.LastRefresh = at.UTC().Format(time.RFC3339)
	}
	if err != nil {
		resp.RefreshError = err.Error()
	}

	for _, e := range entries {
		if !e.Run.Finished() {
			resp.RunningCount++
		}
	}
	if latest, ok := h.store.Latest(); ok {
		run := toRunResponse(latest, h.now())
		resp.Latest = &run
		resp.State = run.State
	}
	jsonResp(w, http.StatusOK, resp)
}

// listRuns returns GET /api/v1/runs: every cached run.
func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, runResponses(h.store.List(), h.now()))
}

// getRun returns GET /api/v1/runs/{id} or GET /api/v1/runs/{id}/jobs.
func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/runs/"), "/")
	if rest == "" {
		h.listRuns(w, r)
		return
	}
	id, sub, _ := strings.Cut(rest, "/")

	switch sub {
	case "":
		e, ok := h.store.Get(id)
		if !ok {
			jsonErr(w, http.StatusNotFound, "run not found")
			return
		}
		run := toRunResponse(e, h.now())
		run.Diagnostics = computeDiagnostics(e)
		jsonResp(w, http.StatusOK, run)

	case "jobs":
		h.jobs(w, r, id)

	default:
		jsonErr(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) jobs(w http.ResponseWriter, r *http.Request, runID string) {
	jobs, err := h.store.Jobs(r.Context(), runID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			jsonErr(w, http.StatusNotFound, "run not found")
			return
		}
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(jobs) == 0 {
		if _, ok := h.store.Get(runID); !ok {
			jsonErr(w, http.StatusNotFound, "run not found")
			return
		}
	}

	if want := strings.ToUpper(r.URL.Query().Get("state")); want != "" {
		filtered := make([]types.JobSummary, 0, len(jobs))
		for _, j := range jobs {
			if string(j.State) == want {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if jobs == nil {
		jobs = []types.JobSummary{}
	}
	jsonResp(w, http.StatusOK, JobsResponse{RunID: runID, Jobs: jobs})
}

// listAlerts returns GET /api/v1/alerts.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, alertViews(h.alerts))
}

// snapshot returns GET /api/v1/snapshot: full JSON dump of all cached runs.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, BuildSnapshot(h.store, h.alerts))
}

// BuildSnapshot assembles the full run and alert view. It is shared with the
// WebSocket hub so REST and stream clients see the same shape.
func BuildSnapshot(st *store.Store, eng *alerts.Engine) SnapshotResponse {
	now := time.Now()
	return SnapshotResponse{
		Runs:        runResponses(st.List(), now),
		Alerts:      alertViews(eng),
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// runState classifies a run: running until it finishes, then by the share
// of failed items.
func runState(e *store.Entry) string {
	if !e.Run.Finished() {
		return "running"
	}
	pct := e.FailedPct()
	switch {
	case pct == 0:
		return "healthy"
	case pct < 10:
		return "degraded"
	default:
		return "critical"
	}
}

func runResponses(entries []*store.Entry, now time.Time) []RunResponse {
	out := make([]RunResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toRunResponse(e, now))
	}
	return out
}

// toRunResponse maps a store.Entry to its JSON representation. Running runs
// report their duration so far.
func toRunResponse(e *store.Entry, now time.Time) RunResponse {
	r := e.Run
	resp := RunResponse{
		ID:             r.ID,
		Mode:           r.Mode,
		MaxConcurrency: r.MaxConcurrency,
		State:          runState(e),
		Items:          r.Items,
		Pending:        e.Pending(),
		InFlight:       e.InFlight(),
		Succeeded:      e.Succeeded(),
		Failed:         e.Failed(),
		FailedPct:      e.FailedPct(),
		FailuresByKind: e.FailuresByKind,
		StartedAt:      r.StartedAt.UTC().Format(time.RFC3339),
	}
	end := now
	if r.Finished() {
		resp.FinishedAt = r.FinishedAt.UTC().Format(time.RFC3339)
		end = r.FinishedAt
	}
	if !r.StartedAt.IsZero() && end.After(r.StartedAt) {
		resp.DurationSec = end.Sub(r.StartedAt).Seconds()
	}
	if resp.FailuresByKind == nil {
		resp.FailuresByKind = map[string]int{}
	}
	return resp
}

func alertViews(eng *alerts.Engine) []AlertView {
	if eng == nil {
		return []AlertView{}
	}
	active := eng.Active()
	out := make([]AlertView, 0, len(active))
	for _, a := range active {
		v := AlertView{
			RuleName: a.RuleName,
			RunID:    a.RunID,
			Severity: a.Severity,
			State:    a.State,
			Message:  a.Message,
			Value:    a.Value,
			FiredAt:  a.FiredAt.UTC().Format(time.RFC3339),
		}
		if a.ResolvedAt != nil {
			v.ResolvedAt = a.ResolvedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, v)
	}
	return out
}
