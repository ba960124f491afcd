package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/trainstream/internal/domain"
	"github.com/saltfish/trainstream/internal/progress"
	"github.com/saltfish/trainstream/internal/scheduler"
)

var runColumnNames = []string{
	"id", "surface", "trigger", "status", "instrument_token", "interval",
	"request", "expected_units", "completed_units", "error_message",
	"final_result", "started_at", "finished_at",
}

func testRequest() domain.TrainingRequest {
	return domain.TrainingRequest{
		InstrumentToken:      256265,
		Interval:             "day",
		Models:               []domain.ModelID{"random_forest"},
		ForecastHorizon:      1,
		LookbackWindow:       20,
		WalkforwardTrainBars: 300,
		WalkforwardTestBars:  60,
	}
}

// anyArgs matches n statement arguments of any value.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, RunRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewRunRepository(mock)
}

func TestRunRepo_Create(t *testing.T) {
	mock, repo := newMockRepo(t)

	started := time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)
	rec := domain.NewRunRecord(uuid.New(), "default", "api", testRequest(), started)

	mock.ExpectExec("INSERT INTO training_runs").
		WithArgs(
			rec.ID, "default", "api", "running", int64(256265), "day",
			pgxmock.AnyArg(), 0, 0, (*string)(nil), []byte(nil), started, (*time.Time)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Create(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepo_CreateError(t *testing.T) {
	mock, repo := newMockRepo(t)

	rec := domain.NewRunRecord(uuid.New(), "default", "api", testRequest(), time.Now())
	mock.ExpectExec("INSERT INTO training_runs").
		WithArgs(anyArgs(13)...).
		WillReturnError(errors.New("connection reset"))

	err := repo.Create(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create training run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepo_Finish(t *testing.T) {
	t.Run("stores terminal outcome", func(t *testing.T) {
		mock, repo := newMockRepo(t)

		rec := domain.NewRunRecord(uuid.New(), "default", "api", testRequest(), time.Now())
		rec.Status = domain.RecordStatusFailed
		rec.ExpectedUnits = 6
		rec.CompletedUnits = 2
		msg := "Stream ended unexpectedly"
		rec.ErrorMessage = &msg

		mock.ExpectExec("UPDATE training_runs SET").
			WithArgs(rec.ID, "failed", 6, 2, &msg, []byte(nil), (*time.Time)(nil)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, repo.Finish(context.Background(), rec))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-terminal status", func(t *testing.T) {
		mock, repo := newMockRepo(t)

		rec := domain.NewRunRecord(uuid.New(), "default", "api", testRequest(), time.Now())
		err := repo.Finish(context.Background(), rec)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already finished", func(t *testing.T) {
		mock, repo := newMockRepo(t)

		rec := domain.NewRunRecord(uuid.New(), "default", "api", testRequest(), time.Now())
		rec.Status = domain.RecordStatusSucceeded

		mock.ExpectExec("UPDATE training_runs SET").
			WithArgs(anyArgs(7)...).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT status FROM training_runs WHERE id").
			WithArgs(rec.ID).
			WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("cancelled"))

		err := repo.Finish(context.Background(), rec)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		assert.Contains(t, err.Error(), "run already cancelled")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown run", func(t *testing.T) {
		mock, repo := newMockRepo(t)

		rec := domain.NewRunRecord(uuid.New(), "default", "api", testRequest(), time.Now())
		rec.Status = domain.RecordStatusSucceeded

		mock.ExpectExec("UPDATE training_runs SET").
			WithArgs(anyArgs(7)...).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT status FROM training_runs WHERE id").
			WithArgs(rec.ID).
			WillReturnError(pgx.ErrNoRows)

		err := repo.Finish(context.Background(), rec)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRunRepo_MarkCancelled(t *testing.T) {
	mock, repo := newMockRepo(t)

	id := uuid.New()
	mock.ExpectExec("UPDATE training_runs SET").
		WithArgs(id, 6, 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.MarkCancelled(context.Background(), id, 6, 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepo_GetByID(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		mock, repo := newMockRepo(t)

		id := uuid.New()
		started := time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)
		finished := started.Add(90 * time.Second)

		reqJSON, err := json.Marshal(testRequest())
		require.NoError(t, err)
		finalJSON, err := json.Marshal(domain.RunResult{
			InstrumentToken: 256265,
			Interval:        "day",
			ForecastHorizon: 1,
			Models: []domain.ModelResult{{
				ModelName:      "random_forest",
				MetricsOverall: domain.Metrics{"rmse": 1.25},
			}},
		})
		require.NoError(t, err)

		mock.ExpectQuery("FROM training_runs\\s+WHERE id = \\$1").
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows(runColumnNames).AddRow(
				id, "default", "api", "succeeded", int64(256265), "day",
				reqJSON, 6, 6, (*string)(nil), finalJSON, started, &finished,
			))

		run, err := repo.GetByID(context.Background(), id)
		require.NoError(t, err)

		assert.Equal(t, id, run.ID)
		assert.Equal(t, domain.RecordStatusSucceeded, run.Status)
		assert.Equal(t, uint(6), run.ExpectedUnits)
		assert.Equal(t, uint(6), run.CompletedUnits)
		assert.Nil(t, run.ErrorMessage)
		assert.Equal(t, testRequest(), run.Request)
		require.NotNil(t, run.FinalResult)
		model, ok := run.FinalResult.Model("random_forest")
		require.True(t, ok)
		assert.Equal(t, 1.25, model.MetricsOverall["rmse"])
		require.NotNil(t, run.FinishedAt)
		assert.Equal(t, 90*time.Second, run.Duration())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock, repo := newMockRepo(t)

		id := uuid.New()
		mock.ExpectQuery("FROM training_runs\\s+WHERE id = \\$1").
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows(runColumnNames))

		run, err := repo.GetByID(context.Background(), id)
		assert.Nil(t, run)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRunRepo_List(t *testing.T) {
	mock, repo := newMockRepo(t)

	surface := "dashboard"
	status := domain.RecordStatusFailed
	query := domain.RunQuery{Surface: &surface, Status: &status, Page: 2, PageSize: 1}

	started := time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)
	msg := "boom"
	ids := []uuid.UUID{uuid.New()}

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM training_runs WHERE surface = \\$1 AND status = \\$2").
		WithArgs("dashboard", "failed").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("ORDER BY started_at DESC\\s+LIMIT \\$3 OFFSET \\$4").
		WithArgs("dashboard", "failed", 1, 1).
		WillReturnRows(pgxmock.NewRows(runColumnNames).AddRow(
			ids[0], "dashboard", "schedule", "failed", int64(256265), "day",
			[]byte(`{"instrument_token":256265,"interval":"day"}`), 6, 2, &msg, nil, started, nil,
		))

	runs, total, err := repo.List(context.Background(), query)
	require.NoError(t, err)

	assert.Equal(t, 3, total)
	require.Len(t, runs, 1)
	assert.Equal(t, ids[0], runs[0].ID)
	assert.Equal(t, "schedule", runs[0].Trigger)
	require.NotNil(t, runs[0].ErrorMessage)
	assert.Equal(t, "boom", *runs[0].ErrorMessage)
	assert.Nil(t, runs[0].FinalResult)
	assert.Nil(t, runs[0].FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepo_ListDefaults(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM training_runs").
		WithArgs().
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("LIMIT \\$1 OFFSET \\$2").
		WithArgs(20, 0).
		WillReturnRows(pgxmock.NewRows(runColumnNames))

	runs, total, err := repo.List(context.Background(), domain.RunQuery{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// mockRunRepository records the calls made by the history observer.
type mockRunRepository struct {
	created   []*domain.RunRecord
	finished  []*domain.RunRecord
	cancelled []uuid.UUID
	err       error
}

func (m *mockRunRepository) Create(_ context.Context, run *domain.RunRecord) error {
	m.created = append(m.created, run)
	return m.err
}

func (m *mockRunRepository) Finish(_ context.Context, run *domain.RunRecord) error {
	m.finished = append(m.finished, run)
	return m.err
}

func (m *mockRunRepository) MarkCancelled(_ context.Context, id uuid.UUID, _, _ uint) error {
	m.cancelled = append(m.cancelled, id)
	return m.err
}

func (m *mockRunRepository) GetByID(context.Context, uuid.UUID) (*domain.RunRecord, error) {
	return nil, domain.ErrNotFound
}

func (m *mockRunRepository) List(context.Context, domain.RunQuery) ([]*domain.RunRecord, int, error) {
	return nil, 0, nil
}

func TestHistoryObserver(t *testing.T) {
	ctx := context.Background()
	run := scheduler.RunInfo{
		ID:        uuid.New(),
		Surface:   "default",
		Request:   testRequest(),
		Trigger:   "api",
		StartedAt: time.Now().UTC(),
	}

	t.Run("records start and success", func(t *testing.T) {
		repo := &mockRunRepository{}
		obs := HistoryObserver(repo, zaptest.NewLogger(t))

		obs.OnRunStarted(ctx, run)
		require.Len(t, repo.created, 1)
		assert.Equal(t, domain.RecordStatusRunning, repo.created[0].Status)
		assert.Equal(t, run.ID, repo.created[0].ID)

		state := progress.Replay(
			domain.StartEvent{Models: []domain.ModelID{"random_forest"}, TotalFolds: 1},
			domain.FoldEvent{Model: "random_forest", FoldIndex: 1, TotalFolds: 1},
			domain.CompleteEvent{Results: domain.RunResult{InstrumentToken: 256265}},
		)
		obs.OnRunFinished(ctx, run, scheduler.OutcomeSucceeded, progress.NewSnapshot(run.ID, run.Surface, 3, state))

		require.Len(t, repo.finished, 1)
		rec := repo.finished[0]
		assert.Equal(t, domain.RecordStatusSucceeded, rec.Status)
		assert.Equal(t, uint(1), rec.CompletedUnits)
		require.NotNil(t, rec.FinalResult)
		require.NotNil(t, rec.FinishedAt)
	})

	t.Run("records failure message", func(t *testing.T) {
		repo := &mockRunRepository{}
		obs := HistoryObserver(repo, zaptest.NewLogger(t))

		state := progress.Replay(
			domain.StartEvent{Models: []domain.ModelID{"random_forest"}, TotalFolds: 2},
			domain.ErrorEvent{Message: "boom"},
		)
		obs.OnRunFinished(ctx, run, scheduler.OutcomeFailed, progress.NewSnapshot(run.ID, run.Surface, 2, state))

		require.Len(t, repo.finished, 1)
		assert.Equal(t, domain.RecordStatusFailed, repo.finished[0].Status)
		require.NotNil(t, repo.finished[0].ErrorMessage)
		assert.Equal(t, "boom", *repo.finished[0].ErrorMessage)
	})

	t.Run("cancelled runs keep counters", func(t *testing.T) {
		repo := &mockRunRepository{}
		obs := HistoryObserver(repo, zaptest.NewLogger(t))

		obs.OnRunFinished(ctx, run, scheduler.OutcomeCancelled, progress.Snapshot{})
		assert.Equal(t, []uuid.UUID{run.ID}, repo.cancelled)
		assert.Empty(t, repo.finished)
	})

	t.Run("storage errors are swallowed", func(t *testing.T) {
		repo := &mockRunRepository{err: errors.New("db down")}
		obs := HistoryObserver(repo, zaptest.NewLogger(t))

		assert.NotPanics(t, func() {
			obs.OnRunStarted(ctx, run)
			obs.OnRunFinished(ctx, run, scheduler.OutcomeFailed, progress.Snapshot{})
		})
	})
}

func TestRunRepo_Integration(t *testing.T) {
	pool := setupTestDB(t)
	truncateTables(t, pool, "training_runs")

	ctx := context.Background()
	repo := NewRepositories(pool).Runs

	started := time.Now().UTC().Truncate(time.Microsecond)
	rec := domain.NewRunRecord(uuid.New(), "default", "api", testRequest(), started)
	require.NoError(t, repo.Create(ctx, rec))

	require.NoError(t, repo.MarkCancelled(ctx, rec.ID, 6, 2))

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordStatusCancelled, got.Status)
	assert.Equal(t, uint(2), got.CompletedUnits)
	assert.NotNil(t, got.FinishedAt)

	rec.Status = domain.RecordStatusSucceeded
	err = repo.Finish(ctx, rec)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	runs, total, err := repo.List(ctx, domain.RunQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)
}
