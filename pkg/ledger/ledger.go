// Package ledger persists batch runs and per-job states in SQLite. The
// runner writes it as jobs change state; the status server reads it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/edgestack/edgestack/pkg/types"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("ledger: not found")

const defaultPoolSize = 4

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	mode            TEXT NOT NULL,
	max_concurrency INTEGER NOT NULL,
	items           INTEGER NOT NULL,
	started_at      INTEGER NOT NULL,
	finished_at     INTEGER NOT NULL DEFAULT 0,
	succeeded       INTEGER NOT NULL DEFAULT 0,
	failed          INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS jobs (
	run_id       TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	year         INTEGER NOT NULL,
	state        TEXT NOT NULL,
	handle       TEXT NOT NULL DEFAULT '',
	error_kind   TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	submitted_at INTEGER NOT NULL DEFAULT 0,
	finished_at  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, entity_id, year)
);
CREATE INDEX IF NOT EXISTS jobs_state ON jobs (state, entity_id, year);
`

// Run is one batch invocation.
type Run struct {
	ID             string    `json:"id"`
	Mode           string    `json:"mode"`
	MaxConcurrency int       `json:"max_concurrency"`
	Items          int       `json:"items"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
}

// Finished reports whether FinishRun has been recorded for r.
func (r Run) Finished() bool { return !r.FinishedAt.IsZero() }

// Ledger is safe for concurrent use.
type Ledger struct {
	pool *sqlitex.Pool
	path string
}

// Open opens (creating if needed) the ledger database at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger: path is required")
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    defaultPoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: opening %s: %w", path, err)
	}
	l := &Ledger{pool: pool, path: path}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: take: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: schema: %w", err)
	}

	slog.Info("ledger: opened", "path", path)
	return l, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("ledger: %s: %w", pragma, err)
		}
	}
	return nil
}

// Close waits for borrowed connections and closes the pool.
func (l *Ledger) Close() error {
	if err := l.pool.Close(); err != nil {
		return fmt.Errorf("ledger: closing %s: %w", l.path, err)
	}
	return nil
}

func (l *Ledger) with(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: take: %w", err)
	}
	defer l.pool.Put(conn)
	return fn(conn)
}

// BeginRun records the start of a batch.
func (l *Ledger) BeginRun(ctx context.Context, r Run) error {
	return l.with(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO runs (id, mode, max_concurrency, items, started_at) VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{r.ID, r.Mode, r.MaxConcurrency, r.Items, unixNano(r.StartedAt)}})
		if err != nil {
			return fmt.Errorf("ledger: begin run %s: %w", r.ID, err)
		}
		return nil
	})
}

// FinishRun stamps the end of a batch with its outcome counts.
func (l *Ledger) FinishRun(ctx context.Context, runID string, at time.Time, succeeded, failed int) error {
	return l.with(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE runs SET finished_at = ?, succeeded = ?, failed = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{unixNano(at), succeeded, failed, runID}})
		if err != nil {
			return fmt.Errorf("ledger: finish run %s: %w", runID, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("ledger: finish run %s: %w", runID, ErrNotFound)
		}
		return nil
	})
}

// RecordJob upserts the latest state of one job.
func (l *Ledger) RecordJob(ctx context.Context, s types.JobSummary) error {
	return l.with(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO jobs (run_id, entity_id, year, state, handle, error_kind, error, submitted_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, entity_id, year) DO UPDATE SET
				state = excluded.state,
				handle = excluded.handle,
				error_kind = excluded.error_kind,
				error = excluded.error,
				submitted_at = excluded.submitted_at,
				finished_at = excluded.finished_at`,
			&sqlitex.ExecOptions{Args: []any{
				s.RunID, s.Item.EntityID, s.Item.Year, string(s.State), s.Handle,
				s.ErrorKind, s.Error, unixNano(s.SubmittedAt), unixNano(s.FinishedAt),
			}})
		if err != nil {
			return fmt.Errorf("ledger: record job %s: %w", s.Item, err)
		}
		return nil
	})
}

// JobChanged records s, logging rather than returning failures. It
// satisfies the orchestrator's Observer interface.
func (l *Ledger) JobChanged(s types.JobSummary) {
	if err := l.RecordJob(context.Background(), s); err != nil {
		slog.Warn("ledger: job not recorded",
			"entity_id", s.Item.EntityID, "year", s.Item.Year, "state", s.State, "err", err)
	}
}

// Completed returns every item that reached COMPLETED in any run.
func (l *Ledger) Completed(ctx context.Context) (map[types.WorkItem]bool, error) {
	done := make(map[types.WorkItem]bool)
	err := l.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT DISTINCT entity_id, year FROM jobs WHERE state = ?`,
			&sqlitex.ExecOptions{
				Args: []any{string(types.JobCompleted)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					done[types.WorkItem{EntityID: stmt.ColumnText(0), Year: stmt.ColumnInt(1)}] = true
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: completed: %w", err)
	}
	return done, nil
}

const runColumns = `id, mode, max_concurrency, items, started_at, finished_at, succeeded, failed`

func scanRun(stmt *sqlite.Stmt) Run {
	return Run{
		ID:             stmt.ColumnText(0),
		Mode:           stmt.ColumnText(1),
		MaxConcurrency: stmt.ColumnInt(2),
		Items:          stmt.ColumnInt(3),
		StartedAt:      fromUnixNano(stmt.ColumnInt64(4)),
		FinishedAt:     fromUnixNano(stmt.ColumnInt64(5)),
		Succeeded:      stmt.ColumnInt(6),
		Failed:         stmt.ColumnInt(7),
	}
}

// Runs returns up to limit runs, newest first. limit <= 0 means all.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	var runs []Run
	err := l.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					runs = append(runs, scanRun(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: runs: %w", err)
	}
	return runs, nil
}

// Run returns one run by id.
func (l *Ledger) Run(ctx context.Context, id string) (Run, error) {
	var (
		run   Run
		found bool
	)
	err := l.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+runColumns+` FROM runs WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					run, found = scanRun(stmt), true
					return nil
				},
			})
	})
	if err != nil {
		return Run{}, fmt.Errorf("ledger: run %s: %w", id, err)
	}
	if !found {
		return Run{}, fmt.Errorf("ledger: run %s: %w", id, ErrNotFound)
	}
	return run, nil
}

// Jobs returns the jobs of one run in the order they were first recorded.
func (l *Ledger) Jobs(ctx context.Context, runID string) ([]types.JobSummary, error) {
	var jobs []types.JobSummary
	err := l.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT entity_id, year, state, handle, error_kind, error, submitted_at, finished_at
			FROM jobs WHERE run_id = ? ORDER BY rowid`,
			&sqlitex.ExecOptions{
				Args: []any{runID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					jobs = append(jobs, types.JobSummary{
						RunID:       runID,
						Item:        types.WorkItem{EntityID: stmt.ColumnText(0), Year: stmt.ColumnInt(1)},
						State:       types.JobState(stmt.ColumnText(2)),
						Handle:      stmt.ColumnText(3),
						ErrorKind:   stmt.ColumnText(4),
						Error:       stmt.ColumnText(5),
						SubmittedAt: fromUnixNano(stmt.ColumnInt64(6)),
						FinishedAt:  fromUnixNano(stmt.ColumnInt64(7)),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: jobs of %s: %w", runID, err)
	}
	return jobs, nil
}

// Counts returns how many jobs of a run are in each state.
func (l *Ledger) Counts(ctx context.Context, runID string) (map[types.JobState]int, error) {
	counts := make(map[types.JobState]int)
	err := l.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT state, COUNT(*) FROM jobs WHERE run_id = ? GROUP BY state`,
			&sqlitex.ExecOptions{
				Args: []any{runID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					counts[types.JobState(stmt.ColumnText(0))] = stmt.ColumnInt(1)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: counts of %s: %w", runID, err)
	}
	return counts, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
