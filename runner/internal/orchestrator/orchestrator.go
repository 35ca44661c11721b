package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/edgestack/edgestack/pkg/types"
	"github.com/edgestack/edgestack/runner/internal/remote"
)

// DefaultMaxPollErrors is used when Options.MaxPollErrors is unset.
const DefaultMaxPollErrors = 5

// Worker runs one item to completion. It is the pool-mode unit of work.
type Worker interface {
	Run(ctx context.Context, item types.WorkItem) error
}

// Submitter starts one item as a remote job and reports on it. It is the
// async-mode unit of work.
type Submitter interface {
	Submit(ctx context.Context, item types.WorkItem) (remote.JobHandle, error)
	Poll(ctx context.Context, h remote.JobHandle) (remote.ExportStatus, error)
}

// Options configures one batch.
type Options struct {
	RunID          string
	Mode           Mode
	MaxConcurrency int
	PollInterval   time.Duration
	MaxPollErrors  int
	Observers      []Observer
}

// Orchestrator dispatches batches. A single Orchestrator may run several
// batches, one after another or concurrently; each Run has its own tracker.
type Orchestrator struct {
	worker    Worker
	submitter Submitter
	now       func() time.Time
	after     func(time.Duration) <-chan time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithAfter replaces time.After for the async-mode poll sleep.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(o *Orchestrator) { o.after = after }
}

// New returns an Orchestrator. worker is required for pool mode and
// submitter for async mode; either may be nil if that mode is never used.
func New(worker Worker, submitter Submitter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		worker:    worker,
		submitter: submitter,
		now:       time.Now,
		after:     time.After,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run dispatches items and returns once every item is COMPLETED or FAILED.
//
// Cancelling ctx stops admission: items not yet submitted fail with
// types.ErrNotAdmitted while jobs already in flight are still awaited.
// The returned error is non-nil only for invalid options, duplicate items
// or a broken state transition.
func (o *Orchestrator) Run(ctx context.Context, items []types.WorkItem, opts Options) (*Result, error) {
	if opts.MaxConcurrency < 1 {
		return nil, fmt.Errorf("orchestrator: max concurrency must be at least 1, got %d", opts.MaxConcurrency)
	}
	if opts.Mode == "" {
		opts.Mode = ModePool
	}
	if opts.MaxPollErrors < 1 {
		opts.MaxPollErrors = DefaultMaxPollErrors
	}
	switch opts.Mode {
	case ModePool:
		if o.worker == nil {
			return nil, fmt.Errorf("orchestrator: pool mode needs a worker")
		}
	case ModeAsync:
		if o.submitter == nil {
			return nil, fmt.Errorf("orchestrator: async mode needs a submitter")
		}
		if opts.PollInterval <= 0 {
			return nil, fmt.Errorf("orchestrator: poll interval must be positive")
		}
	default:
		return nil, fmt.Errorf("orchestrator: unknown mode %q", opts.Mode)
	}

	t, err := newTracker(opts.RunID, opts.MaxConcurrency, items, o.now, opts.Observers)
	if err != nil {
		return nil, err
	}

	slog.Info("orchestrator: batch started",
		"run_id", opts.RunID, "items", len(items), "mode", opts.Mode,
		"max_concurrency", opts.MaxConcurrency)

	if opts.Mode == ModeAsync {
		err = o.runAsync(ctx, t, items, opts)
	} else {
		err = o.runPool(ctx, t, items, opts.MaxConcurrency)
	}
	if err != nil {
		slog.Error("orchestrator: batch aborted", "run_id", opts.RunID, "err", err)
		return nil, err
	}

	res := t.result()
	slog.Info("orchestrator: batch finished",
		"run_id", opts.RunID, "succeeded", res.Succeeded, "failed", res.Failed,
		"max_in_flight", res.MaxInFlight)
	return res, nil
}

type outcome struct {
	item  types.WorkItem
	err   error
	fatal error
}

func (o *Orchestrator) runPool(ctx context.Context, t *tracker, items []types.WorkItem, k int) error {
	work := context.WithoutCancel(ctx)

	// Both channels hold k values; with at most k items in flight neither
	// send can block.
	workCh := make(chan types.WorkItem, k)
	doneCh := make(chan outcome, k)

	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range workCh {
				if err := t.transition(item, types.JobSubmitted, types.JobRunning, nil); err != nil {
					doneCh <- outcome{item: item, fatal: err}
					continue
				}
				doneCh <- outcome{item: item, err: safely(item, func() error { return o.worker.Run(work, item) })}
			}
		}()
	}
	defer func() {
		close(workCh)
		wg.Wait()
	}()

	next, open := 0, len(items)
	stopped := false
	cancelled := ctx.Done()
	for open > 0 {
		for !stopped && next < len(items) && t.inFlightCount() < k {
			if ctx.Err() != nil {
				stopped = true
				break
			}
			item := items[next]
			if err := t.transition(item, types.JobPending, types.JobSubmitted, nil); err != nil {
				return err
			}
			next++
			slog.Debug("orchestrator: job submitted", "entity_id", item.EntityID, "year", item.Year)
			workCh <- item
		}
		if stopped && next < len(items) {
			n, err := abandon(t, items[next:], ctx.Err())
			if err != nil {
				return err
			}
			open -= n
			next = len(items)
		}
		if open == 0 {
			break
		}

		select {
		case <-cancelled:
			cancelled = nil
			stopped = true
		case out := <-doneCh:
			if out.fatal != nil {
				return out.fatal
			}
			if err := finish(t, out.item, types.JobRunning, out.err); err != nil {
				return err
			}
			open--
		}
	}
	return nil
}

// active is one async job awaiting completion.
type active struct {
	item       types.WorkItem
	handle     remote.JobHandle
	pollErrors int
}

func (o *Orchestrator) runAsync(ctx context.Context, t *tracker, items []types.WorkItem, opts Options) error {
	work := context.WithoutCancel(ctx)

	var running []*active
	next, open := 0, len(items)
	for open > 0 {
		for next < len(items) && len(running) < opts.MaxConcurrency && ctx.Err() == nil {
			item := items[next]
			next++

			var h remote.JobHandle
			err := safely(item, func() error {
				var err error
				h, err = o.submitter.Submit(work, item)
				return err
			})
			if err != nil {
				if err := finish(t, item, types.JobPending, err); err != nil {
					return err
				}
				open--
				continue
			}
			if err := t.transition(item, types.JobPending, types.JobSubmitted, func(s *types.JobSummary) {
				s.Handle = h.ID
			}); err != nil {
				return err
			}
			slog.Debug("orchestrator: job submitted",
				"entity_id", item.EntityID, "year", item.Year, "job", h.ID)
			running = append(running, &active{item: item, handle: h})
		}
		if ctx.Err() != nil && next < len(items) {
			n, err := abandon(t, items[next:], ctx.Err())
			if err != nil {
				return err
			}
			open -= n
			next = len(items)
		}
		if len(running) == 0 {
			continue
		}

		// Wake early on the first cancellation so queued items are released.
		var wake <-chan struct{}
		if ctx.Err() == nil {
			wake = ctx.Done()
		}
		select {
		case <-o.after(opts.PollInterval):
		case <-wake:
		}

		kept := running[:0]
		for _, a := range running {
			done, err := o.pollOne(work, t, a, opts.MaxPollErrors)
			if err != nil {
				return err
			}
			if done {
				open--
				continue
			}
			kept = append(kept, a)
		}
		running = kept
	}
	return nil
}

// pollOne checks one async job and applies the resulting transition. It
// reports whether the job reached a terminal state.
func (o *Orchestrator) pollOne(ctx context.Context, t *tracker, a *active, maxErrors int) (bool, error) {
	var st remote.ExportStatus
	err := safely(a.item, func() error {
		var err error
		st, err = o.submitter.Poll(ctx, a.handle)
		return err
	})
	cur := t.state(a.item)
	if err != nil {
		a.pollErrors++
		slog.Warn("orchestrator: status poll failed",
			"entity_id", a.item.EntityID, "year", a.item.Year, "job", a.handle.ID,
			"consecutive", a.pollErrors, "err", err)
		if a.pollErrors < maxErrors {
			return false, nil
		}
		return true, finish(t, a.item, cur,
			fmt.Errorf("orchestrator: job %s: %d consecutive poll failures: %w", a.handle.ID, a.pollErrors, err))
	}
	a.pollErrors = 0

	switch st.State {
	case remote.StateRunning:
		if cur == types.JobSubmitted {
			return false, t.transition(a.item, cur, types.JobRunning, nil)
		}
	case remote.StateCompleted:
		return true, finish(t, a.item, cur, nil)
	case remote.StateFailed:
		return true, finish(t, a.item, cur,
			fmt.Errorf("job %s: %w: %s", a.handle.ID, types.ErrRemoteCompute, st.ErrorMessage))
	}
	return false, nil
}

// finish moves item to its terminal state.
func finish(t *tracker, item types.WorkItem, from types.JobState, err error) error {
	if err != nil {
		slog.Warn("orchestrator: job failed",
			"entity_id", item.EntityID, "year", item.Year,
			"kind", types.ErrorKind(err), "err", err)
		return t.fail(item, from, err)
	}
	slog.Info("orchestrator: job completed", "entity_id", item.EntityID, "year", item.Year)
	return t.transition(item, from, types.JobCompleted, nil)
}

// abandon fails every item in rest as not admitted.
func abandon(t *tracker, rest []types.WorkItem, cause error) (int, error) {
	slog.Warn("orchestrator: batch cancelled, releasing queued items", "count", len(rest), "cause", cause)
	err := fmt.Errorf("%w: %v", types.ErrNotAdmitted, cause)
	for _, item := range rest {
		if ferr := t.fail(item, types.JobPending, err); ferr != nil {
			return 0, ferr
		}
	}
	return len(rest), nil
}

// safely runs fn, converting a panic into an error.
func safely(item types.WorkItem, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("orchestrator: job panicked",
				"entity_id", item.EntityID, "year", item.Year,
				"panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("orchestrator: panic in %s: %v", item, r)
		}
	}()
	return fn()
}
