// Package types defines the data model shared by the runner and the status
// server: work items, entities, band statistics, output records, job states
// and the per-item error taxonomy. These are plain values; nothing here talks
// to the remote compute service or to storage.
package types
