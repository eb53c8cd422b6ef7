// Package store keeps the history of resolution runs and their per-circuit
// outcomes. The mapping cache stays the source of truth for mappings; this
// history is for auditing and the HTTP API.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/circuit-geo/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Mode   model.RunMode   `json:"mode,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// OutcomeFilter specifies criteria for listing outcomes.
type OutcomeFilter struct {
	RunID  string              `json:"run_id,omitempty"`
	Name   string              `json:"name,omitempty"`
	Status model.OutcomeStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
}

// Store defines the persistence interface for run history.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, mode model.RunMode) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, summary model.Summary, runErr string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Outcomes
	RecordOutcome(ctx context.Context, runID string, outcome model.Outcome) error
	ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]model.OutcomeRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func defaultLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
