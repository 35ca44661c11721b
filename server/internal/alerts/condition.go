package alerts

import (
	"strconv"
	"strings"

	"github.com/edgestack/edgestack/server/internal/store"
)

// evalCondition evaluates a rule condition string against one run.
//
// Supported expressions (field operator value):
//
//	failed_pct > 10
//	failed >= 1
//	succeeded < 5
//	in_flight > 0
//	pending > 100
//	failures.remote_compute > 0
//	state == running
//	mode == async
//
// Returns (fires bool, triggering value float64).
// Returns (false, 0) if the expression cannot be parsed or the field is unknown.
func evalCondition(cond string, e *store.Entry) (bool, float64) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false, 0
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	switch field {
	case "state":
		if op == "==" {
			return runState(e) == rhs, 0
		}
		return false, 0

	case "mode":
		if op == "==" {
			return e.Run.Mode == rhs, 0
		}
		return false, 0
	}

	v, ok := numericField(field, e)
	if !ok {
		return false, 0
	}
	threshold, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return false, 0
	}
	return compareFloat(v, op, threshold), v
}

func runState(e *store.Entry) string {
	if e.Run.Finished() {
		return "finished"
	}
	return "running"
}

// numericField maps a field name to its value for the run.
func numericField(field string, e *store.Entry) (float64, bool) {
	if kind, ok := strings.CutPrefix(field, "failures."); ok {
		return float64(e.FailuresByKind[kind]), true
	}
	switch field {
	case "failed_pct":
		return e.FailedPct(), true
	case "failed":
		return float64(e.Failed()), true
	case "succeeded":
		return float64(e.Succeeded()), true
	case "in_flight":
		return float64(e.InFlight()), true
	case "pending":
		return float64(e.Pending()), true
	case "items":
		return float64(e.Run.Items), true
	default:
		return 0, false
	}
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
