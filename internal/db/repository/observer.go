package repository

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/domain"
	"github.com/saltfish/trainstream/internal/progress"
	"github.com/saltfish/trainstream/internal/scheduler"
)

// HistoryObserver records every run of a session in the run history.
// Storage failures are logged; they never affect the run itself.
func HistoryObserver(runs RunRepository, logger *zap.Logger) scheduler.RunObserver {
	return scheduler.ObserverFuncs{
		Started: func(ctx context.Context, run scheduler.RunInfo) {
			rec := domain.NewRunRecord(run.ID, run.Surface, run.Trigger, run.Request, run.StartedAt)
			if err := runs.Create(ctx, rec); err != nil {
				logger.Error("Failed to record training run",
					zap.String("run_id", run.ID.String()),
					zap.Error(err),
				)
			}
		},
		Finished: func(ctx context.Context, run scheduler.RunInfo, outcome scheduler.Outcome, final progress.Snapshot) {
			state := final.State

			var err error
			if outcome == scheduler.OutcomeCancelled {
				err = runs.MarkCancelled(ctx, run.ID, state.ExpectedTotalUnits, state.CompletedUnits)
			} else {
				err = runs.Finish(ctx, finishedRecord(run, outcome, state))
			}
			if err != nil {
				logger.Error("Failed to record training run outcome",
					zap.String("run_id", run.ID.String()),
					zap.String("outcome", string(outcome)),
					zap.Error(err),
				)
			}
		},
	}
}

// finishedRecord builds the terminal record of a run from its final state.
func finishedRecord(run scheduler.RunInfo, outcome scheduler.Outcome, state progress.RunState) *domain.RunRecord {
	rec := domain.NewRunRecord(run.ID, run.Surface, run.Trigger, run.Request, run.StartedAt)
	rec.Status = domain.RecordStatusFailed
	if outcome == scheduler.OutcomeSucceeded {
		rec.Status = domain.RecordStatusSucceeded
	}
	rec.ExpectedUnits = state.ExpectedTotalUnits
	rec.CompletedUnits = state.CompletedUnits
	rec.ErrorMessage = state.ErrorMessage
	rec.FinalResult = state.FinalResult

	finishedAt := time.Now().UTC()
	rec.FinishedAt = &finishedAt
	return rec
}
