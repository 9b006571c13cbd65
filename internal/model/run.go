package model

import "time"

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// LoadMode selects how the working set is built for a run.
type LoadMode string

const (
	// LoadModeFull fetches the entire validated universe. Used for the
	// first load of an empty warehouse.
	LoadModeFull LoadMode = "full"

	// LoadModeIncremental fetches only identifiers not yet in the
	// warehouse, plus a small random resample of known identifiers to
	// catch attribute drift.
	LoadModeIncremental LoadMode = "incremental"
)

// Run records one pipeline invocation in the run log.
type Run struct {
	ID          string     `json:"id"`
	RunDate     time.Time  `json:"run_date"`
	Mode        LoadMode   `json:"mode"`
	Status      RunStatus  `json:"status"`
	Result      *RunResult `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunResult aggregates per-stage counts for a completed run. Per-identifier
// and per-record failures are absorbed here instead of failing the run.
type RunResult struct {
	UniverseSize   int   `json:"universe_size"`
	WorkingSetSize int   `json:"working_set_size"`
	Fetched        int   `json:"fetched"`
	FetchFailed    int   `json:"fetch_failed"`
	Dropped        int   `json:"dropped"`
	Staged         int64 `json:"staged"`

	// FetchFailures is a bounded sample of the failed identifiers kept in
	// the run log for diagnosis. FetchFailed carries the full count.
	FetchFailures []FetchFailure `json:"fetch_failures,omitempty"`

	Merge *MergeStats `json:"merge,omitempty"`
}

// FetchFailure records one identifier that could not be fetched after the
// client's retry budget was exhausted.
type FetchFailure struct {
	AppID int64  `json:"appid"`
	Err   string `json:"error"`
}

// MergeStats summarizes one SCD merge pass.
type MergeStats struct {
	Closed   int64 `json:"closed"`   // active versions superseded this run
	Inserted int64 `json:"inserted"` // new active versions (first sightings + replacements)
}
