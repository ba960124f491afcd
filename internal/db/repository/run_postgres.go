package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/saltfish/trainstream/internal/db"
	"github.com/saltfish/trainstream/internal/domain"
)

// runRepo implements RunRepository using PostgreSQL.
type runRepo struct {
	pool db.Querier
}

// NewRunRepository creates a new PostgreSQL run repository.
func NewRunRepository(pool db.Querier) RunRepository {
	return &runRepo{pool: pool}
}

const runColumns = `
			id, surface, trigger, status, instrument_token, interval,
			request, expected_units, completed_units, error_message,
			final_result, started_at, finished_at`

// Create records a newly submitted run.
func (r *runRepo) Create(ctx context.Context, run *domain.RunRecord) error {
	requestJSON, err := json.Marshal(run.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	query := `
		INSERT INTO training_runs (` + runColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13
		)
	`

	finalJSON, err := marshalResult(run.FinalResult)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.Surface,
		run.Trigger,
		run.Status.String(),
		run.InstrumentToken,
		run.Interval,
		requestJSON,
		int(run.ExpectedUnits),
		int(run.CompletedUnits),
		run.ErrorMessage,
		finalJSON,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create training run: %w", err)
	}

	return nil
}

// Finish stores the terminal outcome of a running run.
func (r *runRepo) Finish(ctx context.Context, run *domain.RunRecord) error {
	if !run.Status.IsTerminal() {
		return domain.NewInvalidInputError("status", "must be terminal, got "+run.Status.String())
	}

	finalJSON, err := marshalResult(run.FinalResult)
	if err != nil {
		return err
	}

	query := `
		UPDATE training_runs SET
			status = $2,
			expected_units = $3,
			completed_units = $4,
			error_message = $5,
			final_result = $6,
			finished_at = COALESCE($7, NOW())
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.pool.Exec(ctx, query,
		run.ID,
		run.Status.String(),
		int(run.ExpectedUnits),
		int(run.CompletedUnits),
		run.ErrorMessage,
		finalJSON,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish training run: %w", err)
	}

	if result.RowsAffected() == 0 {
		return r.explainNoUpdate(ctx, run.ID)
	}

	return nil
}

// MarkCancelled marks a running run as cancelled.
func (r *runRepo) MarkCancelled(ctx context.Context, id uuid.UUID, expectedUnits, completedUnits uint) error {
	query := `
		UPDATE training_runs SET
			status = 'cancelled',
			expected_units = $2,
			completed_units = $3,
			finished_at = NOW()
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.pool.Exec(ctx, query, id, int(expectedUnits), int(completedUnits))
	if err != nil {
		return fmt.Errorf("failed to cancel training run: %w", err)
	}

	if result.RowsAffected() == 0 {
		return r.explainNoUpdate(ctx, id)
	}

	return nil
}

// explainNoUpdate tells a missing run apart from one that already finished.
func (r *runRepo) explainNoUpdate(ctx context.Context, id uuid.UUID) error {
	var status string
	err := r.pool.QueryRow(ctx, "SELECT status FROM training_runs WHERE id = $1", id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFoundError("training_run", id.String())
		}
		return fmt.Errorf("failed to check training run status: %w", err)
	}
	return domain.NewInvalidInputError("status", "run already "+status)
}

// GetByID retrieves a run by ID.
func (r *runRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.RunRecord, error) {
	query := `
		SELECT` + runColumns + `
		FROM training_runs
		WHERE id = $1
	`

	run, err := r.scanRun(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewNotFoundError("training_run", id.String())
	}
	return run, err
}

// List lists runs with filters and pagination, newest first.
func (r *runRepo) List(ctx context.Context, query domain.RunQuery) ([]*domain.RunRecord, int, error) {
	query.SetDefaults()

	var conditions []string
	var args []any
	argNum := 1

	if query.Surface != nil {
		conditions = append(conditions, fmt.Sprintf("surface = $%d", argNum))
		args = append(args, *query.Surface)
		argNum++
	}

	if query.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, query.Status.String())
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM training_runs %s", whereClause)
	var totalCount int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("failed to count training runs: %w", err)
	}

	selectQuery := fmt.Sprintf(`
		SELECT%s
		FROM training_runs
		%s
		ORDER BY started_at DESC
		LIMIT $%d OFFSET $%d
	`, runColumns, whereClause, argNum, argNum+1)

	args = append(args, query.PageSize, query.Offset())

	rows, err := r.pool.Query(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query training runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.RunRecord
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate training runs: %w", err)
	}

	return runs, totalCount, nil
}

func (r *runRepo) scanRun(row pgx.Row) (*domain.RunRecord, error) {
	run := &domain.RunRecord{}
	var statusStr string
	var expected, completed int
	var requestJSON, finalJSON []byte

	err := row.Scan(
		&run.ID,
		&run.Surface,
		&run.Trigger,
		&statusStr,
		&run.InstrumentToken,
		&run.Interval,
		&requestJSON,
		&expected,
		&completed,
		&run.ErrorMessage,
		&finalJSON,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan training run: %w", err)
	}

	run.Status = domain.RecordStatusFromString(statusStr)
	run.ExpectedUnits = uint(max(expected, 0))
	run.CompletedUnits = uint(max(completed, 0))

	if len(requestJSON) > 0 {
		if err := json.Unmarshal(requestJSON, &run.Request); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request: %w", err)
		}
	}

	if len(finalJSON) > 0 {
		run.FinalResult = &domain.RunResult{}
		if err := json.Unmarshal(finalJSON, run.FinalResult); err != nil {
			return nil, fmt.Errorf("failed to unmarshal final result: %w", err)
		}
	}

	return run, nil
}

func marshalResult(result *domain.RunResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal final result: %w", err)
	}
	return b, nil
}

// Ensure interface implementations at compile time.
var _ RunRepository = (*runRepo)(nil)
