package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/saltfish/trainstream/internal/domain"
	"github.com/saltfish/trainstream/internal/metrics"
	"github.com/saltfish/trainstream/internal/progress"
)

// Outcome labels how a run ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// RunInfo identifies one submitted run.
type RunInfo struct {
	ID        uuid.UUID
	Surface   string
	Request   domain.TrainingRequest
	Trigger   string
	StartedAt time.Time
}

// RunObserver is notified about runs on a surface.
//
// OnSnapshot is called synchronously from the run's goroutine for every new
// snapshot and must return quickly. The lifecycle callbacks receive a context
// that outlives the run itself.
type RunObserver interface {
	OnRunStarted(ctx context.Context, run RunInfo)
	OnSnapshot(snap progress.Snapshot)
	OnRunFinished(ctx context.Context, run RunInfo, outcome Outcome, final progress.Snapshot)
}

// ObserverFuncs adapts plain functions to RunObserver. Nil fields are skipped.
type ObserverFuncs struct {
	Started  func(ctx context.Context, run RunInfo)
	Snapshot func(snap progress.Snapshot)
	Finished func(ctx context.Context, run RunInfo, outcome Outcome, final progress.Snapshot)
}

func (f ObserverFuncs) OnRunStarted(ctx context.Context, run RunInfo) {
	if f.Started != nil {
		f.Started(ctx, run)
	}
}

func (f ObserverFuncs) OnSnapshot(snap progress.Snapshot) {
	if f.Snapshot != nil {
		f.Snapshot(snap)
	}
}

func (f ObserverFuncs) OnRunFinished(ctx context.Context, run RunInfo, outcome Outcome, final progress.Snapshot) {
	if f.Finished != nil {
		f.Finished(ctx, run, outcome, final)
	}
}

// MetricsObserver feeds run lifecycle into a metrics recorder.
func MetricsObserver(rec metrics.Recorder) RunObserver {
	return ObserverFuncs{
		Started: func(context.Context, RunInfo) {
			rec.RunStarted()
		},
		Finished: func(_ context.Context, run RunInfo, outcome Outcome, _ progress.Snapshot) {
			rec.RunFinished(string(outcome), time.Since(run.StartedAt))
		},
	}
}

// outcomeOf maps a terminal state to its outcome.
func outcomeOf(state progress.RunState) Outcome {
	if state.Status == domain.RunStatusSucceeded {
		return OutcomeSucceeded
	}
	return OutcomeFailed
}
