package orchestrator

import (
	"fmt"

	"github.com/edgestack/edgestack/pkg/types"
)

// Mode selects how items are dispatched.
type Mode string

const (
	ModePool  Mode = "pool"
	ModeAsync Mode = "async"
)

// ParseMode accepts the config spelling of a mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePool, ModeAsync:
		return Mode(s), nil
	}
	return "", fmt.Errorf("orchestrator: unknown mode %q", s)
}

func allowedTransition(from, to types.JobState) bool {
	switch from {
	case types.JobPending:
		return to == types.JobSubmitted || to == types.JobFailed
	case types.JobSubmitted:
		return to == types.JobRunning || to == types.JobCompleted || to == types.JobFailed
	case types.JobRunning:
		return to == types.JobCompleted || to == types.JobFailed
	default:
		return false
	}
}
