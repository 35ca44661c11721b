package api

import (
	"fmt"
	"sort"

	"github.com/edgestack/edgestack/server/internal/store"
)

// DiagnosticHint is one human-readable insight about a run.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier (used for dedup/ordering).
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level string `json:"level"`
	// Title is a short label, at most five words.
	Title string `json:"title"`
	// Detail is the full explanation.
	Detail string `json:"detail"`
	// Value is an optional numeric value associated with this hint (e.g. failure count).
	Value *float64 `json:"value,omitempty"`
}

// failureGuide explains each error kind recorded in the ledger.
var failureGuide = map[string]struct {
	level, title, detail string
}{
	"empty_input": {
		"warning", "Not in catalog",
		"No catalog entity matched these ids under the configured filters " +
			"(marine, designation, status, denylist). Check the id list against the " +
			"catalog version and the filter settings.",
	},
	"empty_collection": {
		"info", "No imagery",
		"No scenes survived the date window and cloud filter for these " +
			"(entity, year) pairs. This is expected for small or frequently clouded " +
			"areas in early years; widening the cloud threshold recovers some of them.",
	},
	"remote_compute": {
		"critical", "Backend errors",
		"The compute backend rejected or failed requests. Look for quota " +
			"exhaustion or invalid expressions in the runner log; retries are " +
			"already applied per call, so these failures persisted.",
	},
	"sink_write": {
		"critical", "Upload failures",
		"Tables or rasters could not be written to object storage. Check bucket " +
			"permissions, credentials and free space, then rerun with the ledger " +
			"enabled to skip the items that already completed.",
	},
	"not_admitted": {
		"warning", "Batch stopped early",
		"The batch was cancelled before these items were submitted. Rerun the " +
			"same batch; completed items are skipped when the ledger is enabled.",
	},
	"cancelled": {
		"warning", "Jobs cancelled",
		"Jobs were interrupted by cancellation or a deadline while in flight.",
	},
	"internal": {
		"critical", "Unexpected errors",
		"Jobs failed with an unclassified error, possibly a panic in a pipeline " +
			"stage. The runner log carries the stack trace.",
	},
}

var levelRank = map[string]int{"critical": 0, "warning": 1, "info": 2, "ok": 3}

// computeDiagnostics derives hints from a run's counts and failure kinds.
// Hints are ordered: critical first, then warnings, then info.
func computeDiagnostics(e *store.Entry) []DiagnosticHint {
	var hints []DiagnosticHint

	if !e.Run.Finished() {
		v := float64(e.InFlight())
		hints = append(hints, DiagnosticHint{
			Key:   "in_progress",
			Level: "info",
			Title: "Run in progress",
			Detail: fmt.Sprintf(
				"%d of %d items have finished, %d are in flight and %d wait for a slot "+
					"(max concurrency %d).",
				e.Succeeded()+e.Failed(), e.Run.Items, e.InFlight(), e.Pending(), e.Run.MaxConcurrency),
			Value: &v,
		})
	}

	for _, kind := range e.FailureKinds() {
		n := e.FailuresByKind[kind]
		v := float64(n)
		g, ok := failureGuide[kind]
		if !ok {
			g = failureGuide["internal"]
		}
		hints = append(hints, DiagnosticHint{
			Key:    "failures_" + kind,
			Level:  g.level,
			Title:  g.title,
			Detail: fmt.Sprintf("%d item(s) failed with %s. %s", n, kind, g.detail),
			Value:  &v,
		})
	}

	if len(hints) == 0 {
		v := float64(e.Succeeded())
		hints = append(hints, DiagnosticHint{
			Key:    "complete",
			Level:  "ok",
			Title:  "All clear",
			Detail: fmt.Sprintf("All %d items completed without failures.", e.Run.Items),
			Value:  &v,
		})
	}

	sort.SliceStable(hints, func(i, j int) bool {
		return levelRank[hints[i].Level] < levelRank[hints[j].Level]
	})
	return hints
}
