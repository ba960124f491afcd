// Package progress folds training events into run state snapshots.
package progress

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/saltfish/trainstream/internal/domain"
)

// RunState is the aggregated progress of one run. Values are never modified
// after Fold returns them, so they can be shared with observers freely.
type RunState struct {
	Status             domain.RunStatus  `json:"status"`
	ExpectedTotalUnits uint              `json:"expected_total_units"`
	CompletedUnits     uint              `json:"completed_units"`
	CurrentModel       *domain.ModelID   `json:"current_model,omitempty"`
	EventLog           domain.EventLog   `json:"event_log"`
	ErrorMessage       *string           `json:"error_message,omitempty"`
	FinalResult        *domain.RunResult `json:"final_result,omitempty"`
}

// NewRunState returns the Idle state a run starts from.
func NewRunState() RunState {
	return RunState{Status: domain.RunStatusIdle}
}

// IsTerminal reports whether the run has succeeded or failed.
func (s RunState) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Percent returns completed work as a whole percentage in [0, 100].
func (s RunState) Percent() int {
	return Percent(s.CompletedUnits, s.ExpectedTotalUnits)
}

// Percent computes min(100, round(100*min(completed, expected)/expected)),
// or 0 while the expected total is unknown.
func Percent(completed, expected uint) int {
	if expected == 0 {
		return 0
	}
	completed = min(completed, expected)
	pct := int(math.Round(100 * float64(completed) / float64(expected)))
	return min(100, max(0, pct))
}

// Snapshot is a published view of a run state.
type Snapshot struct {
	RunID     uuid.UUID `json:"run_id"`
	Surface   string    `json:"surface"`
	Seq       uint64    `json:"seq"`
	State     RunState  `json:"state"`
	Percent   int       `json:"percent"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSnapshot wraps a state for publication.
func NewSnapshot(runID uuid.UUID, surface string, seq uint64, state RunState) Snapshot {
	return Snapshot{
		RunID:     runID,
		Surface:   surface,
		Seq:       seq,
		State:     state,
		Percent:   state.Percent(),
		UpdatedAt: time.Now().UTC(),
	}
}

// Replay folds a sequence of events starting from the Idle state.
func Replay(events ...domain.Event) RunState {
	state := NewRunState()
	for _, ev := range events {
		state = Fold(state, ev)
	}
	return state
}
