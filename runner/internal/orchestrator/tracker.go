package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgestack/edgestack/pkg/types"
)

// ErrConcurrencyExceeded means an admission would have put more than
// MaxConcurrency jobs in flight.
var ErrConcurrencyExceeded = errors.New("in-flight jobs exceed max concurrency")

// Observer receives every job state change. JobChanged may be called from
// several goroutines and must not block for long.
type Observer interface {
	JobChanged(types.JobSummary)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(types.JobSummary)

func (f ObserverFunc) JobChanged(s types.JobSummary) { f(s) }

// tracker holds the state of every job in a batch. All methods are safe
// for concurrent use.
type tracker struct {
	mu          sync.Mutex
	runID       string
	limit       int
	jobs        map[types.WorkItem]*types.JobSummary
	order       []types.WorkItem
	completed   []types.WorkItem
	inFlight    int
	maxInFlight int
	now         func() time.Time
	observers   []Observer
}

// newTracker registers items as PENDING. Duplicates are rejected.
func newTracker(runID string, limit int, items []types.WorkItem, now func() time.Time, observers []Observer) (*tracker, error) {
	t := &tracker{
		runID:     runID,
		limit:     limit,
		jobs:      make(map[types.WorkItem]*types.JobSummary, len(items)),
		order:     make([]types.WorkItem, 0, len(items)),
		now:       now,
		observers: observers,
	}
	for _, it := range items {
		if _, dup := t.jobs[it]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate work item %s", it)
		}
		t.jobs[it] = &types.JobSummary{RunID: runID, Item: it, State: types.JobPending}
		t.order = append(t.order, it)
	}
	return t, nil
}

// transition moves item from one state to another. mutate, when non-nil,
// edits the summary under the lock before observers see it.
func (t *tracker) transition(item types.WorkItem, from, to types.JobState, mutate func(*types.JobSummary)) error {
	snap, err := t.apply(item, from, to, mutate)
	if err != nil {
		return err
	}
	for _, o := range t.observers {
		o.JobChanged(snap)
	}
	return nil
}

func (t *tracker) apply(item types.WorkItem, from, to types.JobState, mutate func(*types.JobSummary)) (types.JobSummary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[item]
	if !ok {
		return types.JobSummary{}, fmt.Errorf("orchestrator: unknown work item %s", item)
	}
	if job.State != from {
		return types.JobSummary{}, fmt.Errorf("orchestrator: invalid transition for %s: expected %s, got %s", item, from, job.State)
	}
	if !allowedTransition(from, to) {
		return types.JobSummary{}, fmt.Errorf("orchestrator: disallowed transition for %s: %s -> %s", item, from, to)
	}

	inFlight := t.inFlight
	if !from.InFlight() && to.InFlight() {
		inFlight++
	} else if from.InFlight() && !to.InFlight() {
		inFlight--
	}
	if inFlight > t.limit {
		return types.JobSummary{}, fmt.Errorf("orchestrator: admitting %s: %w (%d > %d)", item, ErrConcurrencyExceeded, inFlight, t.limit)
	}
	t.inFlight = inFlight
	if inFlight > t.maxInFlight {
		t.maxInFlight = inFlight
	}

	job.State = to
	switch {
	case to == types.JobSubmitted:
		job.SubmittedAt = t.now()
	case to.IsTerminal():
		job.FinishedAt = t.now()
		t.completed = append(t.completed, item)
	}
	if mutate != nil {
		mutate(job)
	}
	return *job, nil
}

// fail moves item to FAILED from its current state, recording err.
func (t *tracker) fail(item types.WorkItem, from types.JobState, err error) error {
	return t.transition(item, from, types.JobFailed, func(s *types.JobSummary) {
		s.ErrorKind = types.ErrorKind(err)
		s.Error = err.Error()
	})
}

func (t *tracker) state(item types.WorkItem) types.JobState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobs[item].State
}

func (t *tracker) inFlightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

// result snapshots the tracker. Jobs are in caller order.
func (t *tracker) result() *Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := &Result{
		RunID:       t.runID,
		Jobs:        make([]types.JobSummary, 0, len(t.order)),
		Completed:   append([]types.WorkItem(nil), t.completed...),
		MaxInFlight: t.maxInFlight,
	}
	for _, it := range t.order {
		job := *t.jobs[it]
		r.Jobs = append(r.Jobs, job)
		switch job.State {
		case types.JobCompleted:
			r.Succeeded++
		case types.JobFailed:
			r.Failed++
		}
	}
	return r
}

// Result is the outcome of one batch.
type Result struct {
	RunID string

	// Jobs holds one summary per item, in the order items were given.
	Jobs []types.JobSummary

	// Completed lists items in the order they reached a terminal state.
	Completed []types.WorkItem

	Succeeded   int
	Failed      int
	MaxInFlight int
}

// Job returns the summary for item.
func (r *Result) Job(item types.WorkItem) (types.JobSummary, bool) {
	for _, j := range r.Jobs {
		if j.Item == item {
			return j, true
		}
	}
	return types.JobSummary{}, false
}

// FailuresByKind counts FAILED jobs per error kind.
func (r *Result) FailuresByKind() map[string]int {
	out := make(map[string]int)
	for _, j := range r.Jobs {
		if j.State == types.JobFailed {
			out[j.ErrorKind]++
		}
	}
	return out
}
