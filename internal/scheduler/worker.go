package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/progress"
)

// runWorker drives a single run on its own goroutine.
type runWorker struct {
	session *Session
	run     *runningRun
	logger  *zap.Logger
}

// Run streams the run to completion or cancellation, then notifies observers.
func (w *runWorker) Run(ctx context.Context) {
	s := w.session
	info := w.run.info
	defer func() {
		close(w.run.done)
		s.runFinished(w.run)
	}()
	defer w.run.cancel()

	var seq uint64
	publish := func(state progress.RunState) {
		seq++
		s.publish(progress.NewSnapshot(info.ID, s.surface, seq, state))
	}

	start := time.Now()
	state, err := s.driver.WithLogger(w.logger).Run(ctx, s.opener.Opener(info.Request), publish)

	final := progress.NewSnapshot(info.ID, s.surface, seq, state)
	notifyCtx := context.WithoutCancel(ctx)

	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			w.logger.Error("Run stopped unexpectedly", zap.Error(err))
		}
		w.logger.Info("Run cancelled",
			zap.Duration("elapsed", time.Since(start)),
			zap.Uint("completed_units", state.CompletedUnits),
		)
		for _, o := range s.observers {
			o.OnRunFinished(notifyCtx, info, OutcomeCancelled, final)
		}
		return
	}

	outcome := outcomeOf(state)
	fields := []zap.Field{
		zap.String("outcome", string(outcome)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Uint("completed_units", state.CompletedUnits),
		zap.Uint("expected_units", state.ExpectedTotalUnits),
	}
	if state.ErrorMessage != nil {
		fields = append(fields, zap.String("error_message", *state.ErrorMessage))
	}
	w.logger.Info("Run finished", fields...)

	for _, o := range s.observers {
		o.OnRunFinished(notifyCtx, info, outcome, final)
	}
}
