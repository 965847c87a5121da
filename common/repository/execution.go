package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bifrost-hq/bifrost/common/db"
	"github.com/bifrost-hq/bifrost/common/models"
)

const executionColumns = `
	id, workflow_id, workflow_name, parameters, caller, status, error_kind,
	result, logs, started_at, finished_at, duration_ms, peak_memory_kb,
	cpu_seconds, created_at`

// ExecutionRepository handles database operations for executions
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(db *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func scanExecution(row pgx.Row) (*models.Execution, error) {
	e := &models.Execution{}
	err := row.Scan(
		&e.ID,
		&e.WorkflowID,
		&e.WorkflowName,
		&e.Parameters,
		&e.Caller,
		&e.Status,
		&e.ErrorKind,
		&e.Result,
		&e.Logs,
		&e.StartedAt,
		&e.FinishedAt,
		&e.DurationMS,
		&e.PeakMemoryKB,
		&e.CPUSeconds,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CreatePending inserts a new execution in the pending state
func (r *ExecutionRepository) CreatePending(ctx context.Context, e *models.Execution) error {
	query := `
		INSERT INTO execution (id, workflow_id, workflow_name, parameters, caller, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')`

	if _, err := r.db.Exec(ctx, query, e.ID, e.WorkflowID, e.WorkflowName, e.Parameters, e.Caller); err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// GetByID retrieves an execution by ID. Returns nil when absent.
func (r *ExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM execution WHERE id = $1`

	execution, err := scanExecution(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return execution, nil
}

// MarkRunning transitions pending -> running. The status guard keeps
// transitions monotone even under redelivery.
func (r *ExecutionRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE execution SET status = 'running', started_at = now()
		WHERE id = $1 AND status = 'pending'`

	if _, err := r.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}
	return nil
}

// Complete records a terminal result. Only non-terminal rows are
// updated; once terminal, a row is immutable until retention cleanup.
func (r *ExecutionRepository) Complete(ctx context.Context, res *models.ExecutionResult) error {
	logsJSON, err := marshalLogs(res.Logs)
	if err != nil {
		return err
	}

	var errorKind *string
	if res.ErrorKind != "" {
		errorKind = &res.ErrorKind
	}

	query := `
		UPDATE execution SET
			status         = $2,
			error_kind     = $3,
			result         = $4,
			logs           = $5,
			finished_at    = now(),
			duration_ms    = $6,
			peak_memory_kb = $7,
			cpu_seconds    = $8
		WHERE id = $1 AND status IN ('pending', 'running')`

	if _, err := r.db.Exec(ctx, query,
		res.ExecutionID,
		res.Status,
		errorKind,
		res.Result,
		logsJSON,
		res.DurationMS,
		res.PeakMemoryKB,
		res.CPUSeconds,
	); err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}
	return nil
}

// ListByWorkflow returns recent executions for a workflow
func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID, page models.Pagination) ([]*models.Execution, error) {
	page.Normalize()

	query := `SELECT ` + executionColumns + `
		FROM execution
		WHERE workflow_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, workflowID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.Execution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// DeleteTerminalBefore removes terminal executions older than the
// cutoff. Retention cleanup is the only mutation allowed on terminal
// rows.
func (r *ExecutionRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM execution
		WHERE status IN ('success', 'failed', 'cancelled') AND created_at < $1`

	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func marshalLogs(logs []models.LogLine) ([]byte, error) {
	if len(logs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(logs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal logs: %w", err)
	}
	return data, nil
}
