package types

import (
	"fmt"
	"time"
)

// WorkItem is one (entity, year) unit of dispatch. It identifies exactly one
// pipeline run and one export artifact.
type WorkItem struct {
	EntityID string `json:"entity_id"`
	Year     int    `json:"year"`
}

// Key returns the artifact stem "{id}_{year}".
func (w WorkItem) Key() string {
	return fmt.Sprintf("%s_%d", w.EntityID, w.Year)
}

func (w WorkItem) String() string { return w.Key() }

// Entity is a protected-area record as returned by the catalog.
type Entity struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	GovernanceType string  `json:"governance_type"`
	OwnershipType  string  `json:"ownership_type"`
	StatusYear     int     `json:"status_year"`
	Classification string  `json:"classification"`
	Area           float64 `json:"area"`

	// Catalog filter attributes. Not part of the output schema.
	Marine      string `json:"marine"`
	Designation string `json:"designation"`
	Status      string `json:"status"`
}

// UnknownBiome is the label used when no ecoregion intersects a region.
const UnknownBiome = "Unknown"

// MissingIndex is the sentinel stored when the human-modification index
// could not be computed for a region.
const MissingIndex = -9999.0

// EntityInfo is the immutable per-WorkItem metadata captured before band
// statistics are compiled into records.
type EntityInfo struct {
	Entity
	Biome             string  `json:"biome"`
	HumanModification float64 `json:"human_modification_index"`
}

// RegionKind distinguishes the two restrictions a band is measured over.
type RegionKind string

const (
	RegionBuffer   RegionKind = "buffer"
	RegionBoundary RegionKind = "boundary"
)

// BandStatistic holds the gradient-magnitude moments of one band over one
// region. Mean and StdDev are nil when Count is zero.
type BandStatistic struct {
	Band   string     `json:"band"`
	Kind   RegionKind `json:"kind"`
	Mean   *float64   `json:"mean"`
	StdDev *float64   `json:"stddev"`
	Count  int64      `json:"count"`
	Area   float64    `json:"area"`
}

// Record is one output row per (entity, year, band).
type Record struct {
	ID                     string
	Name                   string
	GovernanceType         string
	OwnershipType          string
	StatusYear             int
	Classification         string
	Area                   float64
	HumanModificationIndex float64
	Biome                  string
	Year                   int
	BandName               string
	BoundaryMean           *float64
	BoundaryStdDev         *float64
	BoundaryCount          int64
	BufferMean             *float64
	BufferStdDev           *float64
	BufferCount            int64
}

// JobState is the orchestrator-visible lifecycle state of one WorkItem.
type JobState string

const (
	JobPending   JobState = "PENDING"
	JobSubmitted JobState = "SUBMITTED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
)

// IsTerminal reports whether no further transition can leave s.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// InFlight reports whether s counts against the concurrency ceiling.
func (s JobState) InFlight() bool {
	return s == JobSubmitted || s == JobRunning
}

// JobSummary is the externally visible status of one job in a batch.
type JobSummary struct {
	RunID       string    `json:"run_id"`
	Item        WorkItem  `json:"item"`
	State       JobState  `json:"state"`
	Handle      string    `json:"handle,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Duration returns the time between submission and termination, or zero if
// the job never ran to a terminal state after being submitted.
func (s JobSummary) Duration() time.Duration {
	if s.SubmittedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.SubmittedAt)
}
