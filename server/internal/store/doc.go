// Package store keeps an in-memory view of recent batch runs read from the
// job ledger. A background loop (Run) refreshes the view; runs that have
// finished are not re-read once cached.
package store
