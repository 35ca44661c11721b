// Package orchestrator schedules a batch of WorkItems through a pipeline
// with at most MaxConcurrency jobs in flight.
//
// Two dispatch modes are supported:
//
//   - pool: MaxConcurrency worker goroutines each run one item to
//     completion. A coordinator admits items in caller order and collects
//     results in completion order.
//   - async: a single goroutine submits remote jobs until the ceiling is
//     reached, sleeps PollInterval, polls every in-flight job and refills
//     freed slots from the queue.
//
// Every job moves through a validated state machine held by a
// mutex-guarded tracker:
//
//	PENDING → SUBMITTED → RUNNING → COMPLETED | FAILED
//	PENDING → FAILED      (never admitted)
//	SUBMITTED → COMPLETED | FAILED
//
// Per-item failures become FAILED jobs and never abort the batch. Run
// returns an error only for invalid input or bookkeeping corruption.
package orchestrator
