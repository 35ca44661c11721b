// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/edgestack/edgestack/runner/internal/remote"
)

// Fake is a scriptable remote.Client. Unset funcs fall back to defaults:
// Reduce returns DefaultStats, Size returns 1, Evaluate fails, SubmitExport
// issues sequential job ids and PollStatus reports COMPLETED.
//
// Evaluate round-trips the EvaluateFunc result through JSON so callers
// decode exactly as they would from the HTTP client.
type Fake struct {
	ReduceFunc   func(req remote.ReduceRequest) (remote.Stats, error)
	SizeFunc     func(c remote.Collection) (int, error)
	EvaluateFunc func(e *remote.Expr) (any, error)
	SubmitFunc   func(req remote.ExportRequest) (remote.JobHandle, error)
	PollFunc     func(h remote.JobHandle) (remote.ExportStatus, error)

	mu      sync.Mutex
	calls   map[string]int
	exports []remote.ExportRequest
	nextJob int
}

var _ remote.Client = (*Fake)(nil)

// F returns a pointer to v, for building Stats literals.
func F(v float64) *float64 { return &v }

// DefaultStats is what Reduce answers when ReduceFunc is nil.
func DefaultStats() remote.Stats {
	return remote.Stats{"mean": F(1.5), "stdDev": F(0.25), "count": F(40)}
}

func (f *Fake) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
}

// Calls returns how many times op (reduce|size|evaluate|export|status) was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Exports returns every export request submitted so far.
func (f *Fake) Exports() []remote.ExportRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.ExportRequest(nil), f.exports...)
}

func (f *Fake) Reduce(ctx context.Context, req remote.ReduceRequest) (remote.Stats, error) {
	f.record("reduce")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.ReduceFunc != nil {
		return f.ReduceFunc(req)
	}
	return DefaultStats(), nil
}

func (f *Fake) Size(ctx context.Context, c remote.Collection) (int, error) {
	f.record("size")
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if f.SizeFunc != nil {
		return f.SizeFunc(c)
	}
	return 1, nil
}

func (f *Fake) Evaluate(ctx context.Context, e *remote.Expr, out any) error {
	f.record("evaluate")
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.EvaluateFunc == nil {
		return errors.New("remotetest: no evaluator for " + e.Op)
	}
	v, err := f.EvaluateFunc(e)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("remotetest: encode result: %w", err)
	}
	return json.Unmarshal(b, out)
}

func (f *Fake) SubmitExport(ctx context.Context, req remote.ExportRequest) (remote.JobHandle, error) {
	f.record("export")
	if err := ctx.Err(); err != nil {
		return remote.JobHandle{}, err
	}
	if f.SubmitFunc != nil {
		h, err := f.SubmitFunc(req)
		if err == nil {
			f.mu.Lock()
			f.exports = append(f.exports, req)
			f.mu.Unlock()
		}
		return h, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextJob++
	f.exports = append(f.exports, req)
	return remote.JobHandle{ID: fmt.Sprintf("job-%d", f.nextJob), Description: req.Description}, nil
}

func (f *Fake) PollStatus(ctx context.Context, h remote.JobHandle) (remote.ExportStatus, error) {
	f.record("status")
	if err := ctx.Err(); err != nil {
		return remote.ExportStatus{}, err
	}
	if f.PollFunc != nil {
		return f.PollFunc(h)
	}
	return remote.ExportStatus{State: remote.StateCompleted}, nil
}

// FindOp returns the first node in e with the given op, or nil.
func FindOp(e *remote.Expr, op string) *remote.Expr {
	var found *remote.Expr
	e.Walk(func(x *remote.Expr) bool {
		if found != nil {
			return false
		}
		if x.Op == op {
			found = x
			return false
		}
		return true
	})
	return found
}
