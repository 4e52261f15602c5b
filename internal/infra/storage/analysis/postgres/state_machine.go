// Package postgres provides PostgreSQL-backed implementations of the analysis
// repositories.
package postgres

import (
	"context"
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
)

var _ domain.StateMachineRepository = (*stateMachineStore)(nil)

// runningIndex enforces at most one RUNNING machine per subject.
const runningIndex = "uq_analysis_state_machines_subject_running"

const upsertStateMachineQuery = `
INSERT INTO analysis_state_machines (
    id, subject_id, account_id, analysis_start_time, analysis_end_time,
    current_state, completed_states, status, ignore_minutes,
    next_attempt_time, total_retry_count, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
ON CONFLICT (id) DO UPDATE SET
    subject_id        = EXCLUDED.subject_id,
    current_state     = EXCLUDED.current_state,
    completed_states  = EXCLUDED.completed_states,
    status            = EXCLUDED.status,
    next_attempt_time = EXCLUDED.next_attempt_time,
    total_retry_count = EXCLUDED.total_retry_count,
    updated_at        = NOW()`

const getLatestStateMachineQuery = `
SELECT id, subject_id, account_id, analysis_start_time, analysis_end_time,
       current_state, completed_states, status, ignore_minutes,
       next_attempt_time, total_retry_count, created_at
FROM analysis_state_machines
WHERE subject_id = $1
ORDER BY created_at DESC, seq DESC
LIMIT 1`

// stateMachineStore implements domain.StateMachineRepository on PostgreSQL.
type stateMachineStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewStateMachineStore creates a PostgreSQL-backed state machine repository.
func NewStateMachineStore(pool *pgxpool.Pool, tracer trace.Tracer) *stateMachineStore {
	return &stateMachineStore{db: pool, tracer: tracer}
}

// SaveStateMachine upserts the machine by id. Saving a second RUNNING machine
// for a subject fails with domain.ErrStateMachineAlreadyRunning.
func (s *stateMachineStore) SaveStateMachine(ctx context.Context, m *domain.AnalysisStateMachine) error {
	dbAttrs := storage.DefaultDBAttributes(
		attribute.String("machine_id", m.ID().String()),
		attribute.String("subject_id", m.SubjectID()),
		attribute.String("status", m.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_state_machine", dbAttrs, func(ctx context.Context) error {
		current, err := marshalState(m.CurrentState())
		if err != nil {
			return fmt.Errorf("failed to encode current state: %w", err)
		}
		completed, err := marshalStates(m.CompletedStates())
		if err != nil {
			return fmt.Errorf("failed to encode completed states: %w", err)
		}

		_, err = s.db.Exec(ctx, upsertStateMachineQuery,
			pgtype.UUID{Bytes: m.ID(), Valid: true},
			m.SubjectID(),
			m.AccountID(),
			m.AnalysisStartTime(),
			m.AnalysisEndTime(),
			current,
			completed,
			m.Status().String(),
			m.IgnoreMinutes(),
			timestamptz(m.NextAttemptTime()),
			m.TotalRetryCount(),
			m.CreatedAt(),
		)
		if err != nil {
			if storage.IsUniqueViolation(err, runningIndex) {
				return fmt.Errorf("%w (subject_id: %s)", domain.ErrStateMachineAlreadyRunning, m.SubjectID())
			}
			return fmt.Errorf("upsert state machine error: %w", err)
		}
		return nil
	})
}

// GetLatestStateMachine returns the subject's most recently created machine
// or nil when it has none.
func (s *stateMachineStore) GetLatestStateMachine(ctx context.Context, subjectID string) (*domain.AnalysisStateMachine, error) {
	dbAttrs := storage.DefaultDBAttributes(attribute.String("subject_id", subjectID))

	var machine *domain.AnalysisStateMachine
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_latest_state_machine", dbAttrs, func(ctx context.Context) error {
		m, err := scanStateMachine(s.db.QueryRow(ctx, getLatestStateMachineQuery, subjectID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("get latest state machine error: %w", err)
		}
		machine = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return machine, nil
}

func scanStateMachine(row pgx.Row) (*domain.AnalysisStateMachine, error) {
	var (
		id                 pgtype.UUID
		subjectID          string
		accountID          string
		startTime, endTime time.Time
		currentRaw         []byte
		completedRaw       []byte
		status             string
		ignoreMinutes      int32
		nextAttempt        pgtype.Timestamptz
		totalRetryCount    int32
		createdAt          time.Time
	)
	if err := row.Scan(
		&id, &subjectID, &accountID, &startTime, &endTime,
		&currentRaw, &completedRaw, &status, &ignoreMinutes,
		&nextAttempt, &totalRetryCount, &createdAt,
	); err != nil {
		return nil, err
	}

	current, err := unmarshalState(currentRaw)
	if err != nil {
		return nil, err
	}
	completed, err := unmarshalStates(completedRaw)
	if err != nil {
		return nil, err
	}
	st, err := domain.ParseAnalysisStatus(status)
	if err != nil {
		return nil, err
	}

	return domain.ReconstructStateMachine(
		id.Bytes,
		subjectID,
		accountID,
		startTime.UTC(),
		endTime.UTC(),
		current,
		completed,
		st,
		int(ignoreMinutes),
		nextAttempt.Time.UTC(),
		int(totalRetryCount),
		createdAt.UTC(),
	), nil
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}
