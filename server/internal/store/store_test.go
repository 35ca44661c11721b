package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edgestack/edgestack/pkg/ledger"
	"github.com/edgestack/edgestack/pkg/types"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

type fakeSource struct {
	mu       sync.Mutex
	runs     []ledger.Run
	jobs     map[string][]types.JobSummary
	runsErr  error
	jobCalls map[string]int
}

func (f *fakeSource) Runs(_ context.Context, limit int) ([]ledger.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runsErr != nil {
		return nil, f.runsErr
	}
	out := f.runs
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeSource) Jobs(_ context.Context, runID string) ([]types.JobSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobCalls == nil {
		f.jobCalls = make(map[string]int)
	}
	f.jobCalls[runID]++
	return f.jobs[runID], nil
}

func job(runID, id string, state types.JobState, kind string) types.JobSummary {
	return types.JobSummary{
		RunID:     runID,
		Item:      types.WorkItem{EntityID: id, Year: 2010},
		State:     state,
		ErrorKind: kind,
	}
}

func newSource() *fakeSource {
	return &fakeSource{
		runs: []ledger.Run{
			{ID: "run-2", Mode: "async", Items: 4, StartedAt: baseTime.Add(time.Hour)},
			{ID: "run-1", Mode: "pool", Items: 3, StartedAt: baseTime, FinishedAt: baseTime.Add(10 * time.Minute), Succeeded: 2, Failed: 1},
		},
		jobs: map[string][]types.JobSummary{
			"run-1": {
				job("run-1", "11", types.JobCompleted, ""),
				job("run-1", "12", types.JobCompleted, ""),
				job("run-1", "13", types.JobFailed, "empty_collection"),
			},
			"run-2": {
				job("run-2", "11", types.JobCompleted, ""),
				job("run-2", "12", types.JobRunning, ""),
				job("run-2", "13", types.JobFailed, ""),
			},
		},
	}
}

func TestRefresh_BuildsEntries(t *testing.T) {
	src := newSource()
	st := New(src, 10)
	st.now = fixedClock(baseTime)

	if err := st.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	list := st.List()
	if len(list) != 2 || list[0].Run.ID != "run-2" || list[1].Run.ID != "run-1" {
		t.Fatalf("List order: got %v", ids(list))
	}

	e, ok := st.Get("run-2")
	if !ok {
		t.Fatal("Get run-2: not found")
	}
	if e.Succeeded() != 1 || e.Failed() != 1 || e.InFlight() != 1 || e.Pending() != 1 {
		t.Errorf("run-2 counts: succeeded=%d failed=%d in_flight=%d pending=%d",
			e.Succeeded(), e.Failed(), e.InFlight(), e.Pending())
	}
	if e.FailuresByKind["internal"] != 1 {
		t.Errorf("failure without kind should count as internal, got %v", e.FailuresByKind)
	}
	if got := e.FailedPct(); got != 25 {
		t.Errorf("FailedPct: got %v, want 25", got)
	}

	latest, ok := st.Latest()
	if !ok || latest.Run.ID != "run-2" {
		t.Errorf("Latest: got %v", latest)
	}
	if at, err := st.Status(); err != nil || !at.Equal(baseTime) {
		t.Errorf("Status: got (%v, %v)", at, err)
	}
}

func TestRefresh_ReusesFinishedRuns(t *testing.T) {
	src := newSource()
	st := New(src, 10)
	st.now = fixedClock(baseTime)

	for i := 0; i < 3; i++ {
		if err := st.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh %d: %v", i, err)
		}
	}
	if n := src.jobCalls["run-1"]; n != 1 {
		t.Errorf("finished run jobs read %d times, want 1", n)
	}
	if n := src.jobCalls["run-2"]; n != 3 {
		t.Errorf("running run jobs read %d times, want 3", n)
	}
}

func TestRefresh_ErrorKeepsPreviousView(t *testing.T) {
	src := newSource()
	st := New(src, 10)
	if err := st.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	boom := errors.New("database is locked")
	src.runsErr = boom
	if err := st.Refresh(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Refresh: got %v, want %v", err, boom)
	}
	if st.Count() != 2 {
		t.Errorf("Count after failed refresh: got %d, want 2", st.Count())
	}
	if _, err := st.Status(); !errors.Is(err, boom) {
		t.Errorf("Status err: got %v, want %v", err, boom)
	}
}

func TestRefresh_Limit(t *testing.T) {
	st := New(newSource(), 1)
	if err := st.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if st.Count() != 1 {
		t.Errorf("Count: got %d, want 1", st.Count())
	}
	if _, ok := st.Get("run-1"); ok {
		t.Error("run-1 should be outside the limit")
	}
}

func TestEmptyStore(t *testing.T) {
	st := New(&fakeSource{}, 10)
	if _, ok := st.Latest(); ok {
		t.Error("Latest on empty store: expected false")
	}
	if _, ok := st.Get("x"); ok {
		t.Error("Get on empty store: expected false")
	}
}

func TestFailureKinds_Sorted(t *testing.T) {
	e := &Entry{FailuresByKind: map[string]int{"sink_write": 1, "empty_collection": 2, "remote_compute": 1}}
	got := e.FailureKinds()
	want := []string{"empty_collection", "remote_compute", "sink_write"}
	if len(got) != len(want) {
		t.Fatalf("FailureKinds: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FailureKinds[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRun_CallsOnRefresh(t *testing.T) {
	st := New(newSource(), 10)
	ctx, cancel := context.WithCancel(context.Background())

	calls := make(chan error, 8)
	done := make(chan struct{})
	go func() {
		st.Run(ctx, time.Hour, func(err error) { calls <- err })
		close(done)
	}()

	select {
	case err := <-calls:
		if err != nil {
			t.Errorf("first refresh: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not refresh immediately")
	}
	cancel()
	<-done
}

func ids(es []*Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Run.ID
	}
	return out
}
