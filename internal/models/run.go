package models

import "time"

type RunState string

const (
	RunStateIdle        RunState = "idle"
	RunStateFetching    RunState = "fetching"
	RunStateNormalizing RunState = "normalizing"
	RunStateGeocoding   RunState = "geocoding"
	RunStatePersisting  RunState = "persisting"
	RunStateDone        RunState = "done"
	RunStateAborted     RunState = "aborted"
	RunStateCancelled   RunState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool {
	return s == RunStateDone || s == RunStateAborted || s == RunStateCancelled
}

// RunStats accumulates per-run counters.
type RunStats struct {
	RunID            string    `json:"run_id"`
	Source           string    `json:"source"`
	State            RunState  `json:"state"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at,omitzero"`
	Seen             int       `json:"seen"`
	Inserted         int       `json:"inserted"`
	Updated          int       `json:"updated"`
	SkippedDuplicate int       `json:"skipped_duplicate"`
	SkippedNoKey     int       `json:"skipped_no_key"`
	SkippedNoDate    int       `json:"skipped_no_date"`
	Geocoded         int       `json:"geocoded"`
	GeocodeCacheHits int       `json:"geocode_cache_hits"`
	Unresolved       int       `json:"unresolved"`
	Failed           int       `json:"failed"`
	Error            string    `json:"error,omitempty"`
}

func (s *RunStats) Skipped() int {
	return s.SkippedDuplicate + s.SkippedNoKey + s.SkippedNoDate
}

// Finalize stamps the terminal state and returns a copy that later mutation
// of s cannot reach.
func (s *RunStats) Finalize(state RunState, finishedAt time.Time, err error) RunStats {
	s.State = state
	s.FinishedAt = finishedAt
	if err != nil {
		s.Error = err.Error()
	}
	return *s
}

func (s RunStats) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
