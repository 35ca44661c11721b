package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/edgestack/edgestack/pkg/ledger"
	"github.com/edgestack/edgestack/pkg/types"
)

// Source is the read side of the job ledger.
type Source interface {
	Runs(ctx context.Context, limit int) ([]ledger.Run, error)
	Jobs(ctx context.Context, runID string) ([]types.JobSummary, error)
}

// Entry is one run together with its per-state job counts.
type Entry struct {
	Run            ledger.Run             `json:"run"`
	Counts         map[types.JobState]int `json:"counts"`
	FailuresByKind map[string]int         `json:"failures_by_kind"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Succeeded is the number of COMPLETED jobs.
func (e *Entry) Succeeded() int { return e.Counts[types.JobCompleted] }

// Failed is the number of FAILED jobs.
func (e *Entry) Failed() int { return e.Counts[types.JobFailed] }

// InFlight is the number of SUBMITTED or RUNNING jobs.
func (e *Entry) InFlight() int {
	return e.Counts[types.JobSubmitted] + e.Counts[types.JobRunning]
}

// Pending is the number of items that have not been admitted yet.
func (e *Entry) Pending() int {
	n := e.Run.Items - e.Succeeded() - e.Failed() - e.InFlight()
	if n < 0 {
		return 0
	}
	return n
}

// FailedPct is the share of the run's items that failed, in percent.
func (e *Entry) FailedPct() float64 {
	if e.Run.Items == 0 {
		return 0
	}
	return float64(e.Failed()) / float64(e.Run.Items) * 100
}

// FailureKinds returns the distinct failure kinds of e in sorted order.
func (e *Entry) FailureKinds() []string {
	kinds := make([]string, 0, len(e.FailuresByKind))
	for k := range e.FailuresByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Store is a thread-safe cache of the most recent runs, newest first.
type Store struct {
	src   Source
	limit int

	mu          sync.RWMutex
	entries     []*Entry
	byID        map[string]*Entry
	lastRefresh time.Time
	lastErr     error

	now func() time.Time // injectable for deterministic tests
}

// New creates a Store that keeps up to limit runs from src.
func New(src Source, limit int) *Store {
	return &Store{
		src:   src,
		limit: limit,
		byID:  make(map[string]*Entry),
		now:   time.Now,
	}
}

// Refresh re-reads the ledger. Finished runs already in the cache are reused.
// On error the previous view is kept.
func (s *Store) Refresh(ctx context.Context) error {
	runs, err := s.src.Runs(ctx, s.limit)
	if err != nil {
		s.setErr(err)
		return err
	}

	s.mu.RLock()
	prev := s.byID
	s.mu.RUnlock()

	now := s.now()
	entries := make([]*Entry, 0, len(runs))
	byID := make(map[string]*Entry, len(runs))
	for _, r := range runs {
		if old, ok := prev[r.ID]; ok && old.Run.Finished() && old.Run.FinishedAt.Equal(r.FinishedAt) {
			entries = append(entries, old)
			byID[r.ID] = old
			continue
		}
		jobs, err := s.src.Jobs(ctx, r.ID)
		if err != nil {
			err = fmt.Errorf("store: refresh run %s: %w", r.ID, err)
			s.setErr(err)
			return err
		}
		e := summarize(r, jobs, now)
		entries = append(entries, e)
		byID[r.ID] = e
	}

	s.mu.Lock()
	s.entries = entries
	s.byID = byID
	s.lastRefresh = now
	s.lastErr = nil
	s.mu.Unlock()
	return nil
}

func (s *Store) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func summarize(r ledger.Run, jobs []types.JobSummary, now time.Time) *Entry {
	e := &Entry{
		Run:            r,
		Counts:         make(map[types.JobState]int),
		FailuresByKind: make(map[string]int),
		UpdatedAt:      now,
	}
	for _, j := range jobs {
		e.Counts[j.State]++
		if j.State == types.JobFailed {
			kind := j.ErrorKind
			if kind == "" {
				kind = "internal"
			}
			e.FailuresByKind[kind]++
		}
	}
	return e
}

// List returns the cached runs, newest first.
func (s *Store) List() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Get returns the cached entry for runID.
func (s *Store) Get(runID string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[runID]
	return e, ok
}

// Latest returns the most recently started run.
func (s *Store) Latest() (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, false
	}
	return s.entries[0], true
}

// Count returns the number of cached runs.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Jobs reads the jobs of one run straight from the ledger.
func (s *Store) Jobs(ctx context.Context, runID string) ([]types.JobSummary, error) {
	return s.src.Jobs(ctx, runID)
}

// Status reports when the last successful refresh happened and the error of
// the most recent attempt, if it failed.
func (s *Store) Status() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh, s.lastErr
}

// Run refreshes immediately and then every interval until ctx is cancelled.
// onRefresh, if non-nil, is called after each attempt with its result.
func (s *Store) Run(ctx context.Context, interval time.Duration, onRefresh func(error)) {
	refresh := func() {
		err := s.Refresh(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("store: ledger refresh failed", "err", err)
		}
		if onRefresh != nil {
			onRefresh(err)
		}
	}

	refresh()
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			refresh()
		}
	}
}
