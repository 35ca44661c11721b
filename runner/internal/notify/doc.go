// Package notify publishes job state changes to an AMQP topic exchange so
// downstream consumers (merge jobs, dashboards) can react to completed
// items without polling the ledger.
//
// Publishing is best effort. JobChanged never blocks the scheduler: events
// go into a bounded buffer that evicts the oldest entry when full, and a
// background Run loop drains it, reconnecting with backoff.
package notify
