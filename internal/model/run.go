package model

import "time"

// RunStatus represents the current state of a resolution run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusComplete  RunStatus = "complete"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// RunMode says whether a run downloaded geometry or only checked versions.
type RunMode string

const (
	RunModeResolve RunMode = "resolve"
	RunModeCheck   RunMode = "check"
)

// Run is one invocation of the resolver.
type Run struct {
	ID        string    `json:"id"`
	Mode      RunMode   `json:"mode"`
	Status    RunStatus `json:"status"`
	Summary   *Summary  `json:"summary,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OutcomeRecord is an outcome as stored in run history.
type OutcomeRecord struct {
	RunID     string    `json:"run_id"`
	Outcome   Outcome   `json:"outcome"`
	CreatedAt time.Time `json:"created_at"`
}

// FinalStatus picks the status a finished run is recorded with.
func FinalStatus(cancelled bool, s Summary) RunStatus {
	switch {
	case cancelled:
		return RunStatusCancelled
	case s.Total > 0 && s.Failed() == s.Total:
		return RunStatusFailed
	default:
		return RunStatusComplete
	}
}
