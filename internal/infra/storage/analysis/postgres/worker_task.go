package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/internal/infra/storage"
	"github.com/ahrav/analysis-armada/pkg/common/uuid"
)

var _ domain.WorkerTaskRepository = (*workerTaskStore)(nil)

const createWorkerTaskQuery = `
INSERT INTO analysis_worker_tasks (
    task_id, subject_id, state_type, status, inputs, attempt, deadline, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`

const getWorkerTaskQuery = `
SELECT task_id, subject_id, state_type, status, inputs, attempt, result, error, deadline, created_at, updated_at
FROM analysis_worker_tasks
WHERE task_id = $1`

const updateWorkerTaskStatusQuery = `
UPDATE analysis_worker_tasks
SET status = $2, result = $3, error = NULLIF($4, ''), updated_at = NOW()
WHERE task_id = $1`

// workerTaskStore implements domain.WorkerTaskRepository on PostgreSQL.
type workerTaskStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewWorkerTaskStore creates a PostgreSQL-backed worker task repository.
func NewWorkerTaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *workerTaskStore {
	return &workerTaskStore{db: pool, tracer: tracer}
}

// CreateWorkerTask inserts a new task.
func (s *workerTaskStore) CreateWorkerTask(ctx context.Context, task *domain.WorkerTask) error {
	dbAttrs := storage.DefaultDBAttributes(
		attribute.String("task_id", task.TaskID.String()),
		attribute.String("subject_id", task.SubjectID),
		attribute.String("state_type", task.StateType.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_worker_task", dbAttrs, func(ctx context.Context) error {
		inputs, err := json.Marshal(toInputJSON(task.Inputs))
		if err != nil {
			return fmt.Errorf("failed to encode worker task inputs: %w", err)
		}

		_, err = s.db.Exec(ctx, createWorkerTaskQuery,
			pgtype.UUID{Bytes: task.TaskID, Valid: true},
			task.SubjectID,
			task.StateType.String(),
			string(task.Status),
			inputs,
			task.Attempt,
			task.Deadline,
			task.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("create worker task error: %w", err)
		}
		return nil
	})
}

// GetWorkerTask returns the task or domain.ErrWorkerTaskNotFound.
func (s *workerTaskStore) GetWorkerTask(ctx context.Context, taskID uuid.UUID) (*domain.WorkerTask, error) {
	dbAttrs := storage.DefaultDBAttributes(attribute.String("task_id", taskID.String()))

	var task *domain.WorkerTask
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_worker_task", dbAttrs, func(ctx context.Context) error {
		var (
			id        pgtype.UUID
			stateType string
			status    string
			inputsRaw []byte
			attempt   int32
			result    []byte
			errMsg    pgtype.Text
			deadline  time.Time
			createdAt time.Time
			updatedAt time.Time
			subjectID string
		)
		err := s.db.QueryRow(ctx, getWorkerTaskQuery, pgtype.UUID{Bytes: taskID, Valid: true}).Scan(
			&id, &subjectID, &stateType, &status, &inputsRaw, &attempt, &result, &errMsg, &deadline, &createdAt, &updatedAt,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w (task_id: %s)", domain.ErrWorkerTaskNotFound, taskID)
			}
			return fmt.Errorf("get worker task error: %w", err)
		}

		st, ok := domain.ParseStateType(stateType)
		if !ok {
			return fmt.Errorf("unknown state type %q on worker task %s", stateType, taskID)
		}
		var in inputJSON
		if err := json.Unmarshal(inputsRaw, &in); err != nil {
			return fmt.Errorf("failed to decode worker task inputs: %w", err)
		}

		task = &domain.WorkerTask{
			TaskID:    id.Bytes,
			SubjectID: subjectID,
			StateType: st,
			Status:    domain.WorkerTaskStatus(status),
			Inputs:    in.toDomain(),
			Attempt:   int(attempt),
			Result:    result,
			Error:     errMsg.String,
			Deadline:  deadline.UTC(),
			CreatedAt: createdAt.UTC(),
			UpdatedAt: updatedAt.UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateWorkerTaskStatus records a worker's progress report.
func (s *workerTaskStore) UpdateWorkerTaskStatus(
	ctx context.Context,
	taskID uuid.UUID,
	status domain.WorkerTaskStatus,
	result json.RawMessage,
	errMsg string,
) error {
	dbAttrs := storage.DefaultDBAttributes(
		attribute.String("task_id", taskID.String()),
		attribute.String("status", string(status)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_worker_task_status", dbAttrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, updateWorkerTaskStatusQuery,
			pgtype.UUID{Bytes: taskID, Valid: true},
			string(status),
			[]byte(result),
			errMsg,
		)
		if err != nil {
			return fmt.Errorf("update worker task status error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w (task_id: %s)", domain.ErrWorkerTaskNotFound, taskID)
		}
		return nil
	})
}
