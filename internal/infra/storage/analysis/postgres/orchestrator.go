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

var _ domain.OrchestratorRepository = (*orchestratorStore)(nil)

const upsertOrchestratorQuery = `
INSERT INTO analysis_orchestrators (subject_id, account_id, status, retention_deadline, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (subject_id) DO UPDATE SET updated_at = NOW()`

const appendQueueItemQuery = `
INSERT INTO analysis_queue_items (subject_id, machine_id, machine)
VALUES ($1, $2, $3)`

// popFrontQuery deletes the oldest queue row and touches its orchestrator in
// a single statement.
const popFrontQuery = `
WITH popped AS (
    DELETE FROM analysis_queue_items
    WHERE seq = (
        SELECT seq FROM analysis_queue_items
        WHERE subject_id = $1
        ORDER BY seq
        LIMIT 1
        FOR UPDATE
    )
    RETURNING subject_id, machine
), touched AS (
    UPDATE analysis_orchestrators o
    SET updated_at = NOW()
    FROM popped p
    WHERE o.subject_id = p.subject_id
)
SELECT machine FROM popped`

const getOrchestratorQuery = `
SELECT subject_id, account_id, status, retention_deadline, created_at, updated_at
FROM analysis_orchestrators
WHERE subject_id = $1`

const listActiveOrchestratorsQuery = `
SELECT subject_id, account_id, status, retention_deadline, created_at, updated_at
FROM analysis_orchestrators
WHERE status <> 'COMPLETED'
ORDER BY updated_at, subject_id
LIMIT $1`

const listQueueItemsQuery = `
SELECT subject_id, machine
FROM analysis_queue_items
WHERE subject_id = ANY($1)
ORDER BY subject_id, seq`

const updateOrchestratorStatusQuery = `
UPDATE analysis_orchestrators
SET status = $2, updated_at = NOW()
WHERE subject_id = $1`

const updateOrchestratorStatusesQuery = `
UPDATE analysis_orchestrators
SET status = $2, updated_at = NOW()
WHERE subject_id = ANY($1)`

const touchOrchestratorsQuery = `
UPDATE analysis_orchestrators
SET updated_at = clock_timestamp()
WHERE subject_id = ANY($1)`

const purgeExpiredOrchestratorsQuery = `
DELETE FROM analysis_orchestrators
WHERE status = 'COMPLETED' AND retention_deadline < $1`

// orchestratorStore implements domain.OrchestratorRepository on PostgreSQL.
// Queue entries live in analysis_queue_items ordered by a sequence, so
// appending and popping never rewrite the rest of the queue.
type orchestratorStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewOrchestratorStore creates a PostgreSQL-backed orchestrator repository.
func NewOrchestratorStore(pool *pgxpool.Pool, tracer trace.Tracer) *orchestratorStore {
	return &orchestratorStore{db: pool, tracer: tracer}
}

// UpsertOrchestratorAppend creates the orchestrator if needed and appends
// machine to its queue in one transaction.
func (s *orchestratorStore) UpsertOrchestratorAppend(
	ctx context.Context,
	orch *domain.AnalysisOrchestrator,
	machine *domain.AnalysisStateMachine,
) error {
	dbAttrs := storage.DefaultDBAttributes(
		attribute.String("subject_id", orch.SubjectID()),
		attribute.String("machine_id", machine.ID().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_orchestrator_append", dbAttrs, func(ctx context.Context) error {
		payload, err := marshalMachine(machine)
		if err != nil {
			return fmt.Errorf("failed to encode state machine: %w", err)
		}

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, upsertOrchestratorQuery,
			orch.SubjectID(),
			orch.AccountID(),
			orch.Status().String(),
			orch.RetentionDeadline(),
			orch.CreatedAt(),
		); err != nil {
			return fmt.Errorf("upsert orchestrator error: %w", err)
		}

		if _, err := tx.Exec(ctx, appendQueueItemQuery,
			orch.SubjectID(),
			pgtype.UUID{Bytes: machine.ID(), Valid: true},
			payload,
		); err != nil {
			return fmt.Errorf("append queue item error: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// PopFront removes and returns the oldest queued machine, or nil when the
// queue is empty.
func (s *orchestratorStore) PopFront(ctx context.Context, subjectID string) (*domain.AnalysisStateMachine, error) {
	dbAttrs := storage.DefaultDBAttributes(attribute.String("subject_id", subjectID))

	var machine *domain.AnalysisStateMachine
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.pop_front", dbAttrs, func(ctx context.Context) error {
		var payload []byte
		if err := s.db.QueryRow(ctx, popFrontQuery, subjectID).Scan(&payload); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				trace.SpanFromContext(ctx).AddEvent("queue_empty")
				return nil
			}
			return fmt.Errorf("pop front error: %w", err)
		}

		m, err := unmarshalMachine(payload)
		if err != nil {
			return err
		}
		machine = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return machine, nil
}

// GetOrchestrator returns the subject's orchestrator with its queue.
func (s *orchestratorStore) GetOrchestrator(ctx context.Context, subjectID string) (*domain.AnalysisOrchestrator, error) {
	dbAttrs := storage.DefaultDBAttributes(attribute.String("subject_id", subjectID))

	var orch *domain.AnalysisOrchestrator
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_orchestrator", dbAttrs, func(ctx context.Context) error {
		row, err := scanOrchestratorRow(s.db.QueryRow(ctx, getOrchestratorQuery, subjectID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w (subject_id: %s)", domain.ErrOrchestratorNotFound, subjectID)
			}
			return fmt.Errorf("get orchestrator error: %w", err)
		}

		queues, err := s.loadQueues(ctx, []string{subjectID})
		if err != nil {
			return err
		}
		orch = row.toDomain(queues[subjectID])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orch, nil
}

// UpdateOrchestratorStatus sets one orchestrator's status.
func (s *orchestratorStore) UpdateOrchestratorStatus(ctx context.Context, subjectID string, status domain.AnalysisStatus) error {
	dbAttrs := storage.DefaultDBAttributes(
		attribute.String("subject_id", subjectID),
		attribute.String("status", status.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_orchestrator_status", dbAttrs, func(ctx context.Context) error {
		if err := domain.ValidateOrchestratorStatus(status); err != nil {
			return err
		}
		if _, err := s.db.Exec(ctx, updateOrchestratorStatusQuery, subjectID, status.String()); err != nil {
			return fmt.Errorf("update orchestrator status error: %w", err)
		}
		return nil
	})
}

// UpdateOrchestratorStatuses sets the status of every listed orchestrator in
// one statement.
func (s *orchestratorStore) UpdateOrchestratorStatuses(ctx context.Context, subjectIDs []string, status domain.AnalysisStatus) error {
	dbAttrs := storage.DefaultDBAttributes(
		attribute.Int("subject_count", len(subjectIDs)),
		attribute.String("status", status.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_orchestrator_statuses", dbAttrs, func(ctx context.Context) error {
		if err := domain.ValidateOrchestratorStatus(status); err != nil {
			return err
		}
		if len(subjectIDs) == 0 {
			return nil
		}
		result, err := s.db.Exec(ctx, updateOrchestratorStatusesQuery, subjectIDs, status.String())
		if err != nil {
			return fmt.Errorf("update orchestrator statuses error: %w", err)
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("rows_affected", result.RowsAffected()))
		return nil
	})
}

// ListActiveOrchestrators returns up to limit non-COMPLETED orchestrators,
// least recently updated first, each with its queue.
func (s *orchestratorStore) ListActiveOrchestrators(ctx context.Context, limit int) ([]*domain.AnalysisOrchestrator, error) {
	dbAttrs := storage.DefaultDBAttributes(attribute.Int("limit", limit))

	var out []*domain.AnalysisOrchestrator
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_active_orchestrators", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, listActiveOrchestratorsQuery, limit)
		if err != nil {
			return fmt.Errorf("list active orchestrators error: %w", err)
		}
		orchRows, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (orchestratorRow, error) {
			return scanOrchestratorRow(r)
		})
		if err != nil {
			return fmt.Errorf("scan active orchestrators error: %w", err)
		}
		if len(orchRows) == 0 {
			return nil
		}

		ids := make([]string, len(orchRows))
		for i, r := range orchRows {
			ids[i] = r.subjectID
		}
		queues, err := s.loadQueues(ctx, ids)
		if err != nil {
			return err
		}

		out = make([]*domain.AnalysisOrchestrator, len(orchRows))
		for i, r := range orchRows {
			out[i] = r.toDomain(queues[r.subjectID])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TouchOrchestrators bumps updated_at for every listed orchestrator.
func (s *orchestratorStore) TouchOrchestrators(ctx context.Context, subjectIDs []string) error {
	dbAttrs := storage.DefaultDBAttributes(attribute.Int("subject_count", len(subjectIDs)))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.touch_orchestrators", dbAttrs, func(ctx context.Context) error {
		if len(subjectIDs) == 0 {
			return nil
		}
		if _, err := s.db.Exec(ctx, touchOrchestratorsQuery, subjectIDs); err != nil {
			return fmt.Errorf("touch orchestrators error: %w", err)
		}
		return nil
	})
}

// PurgeExpiredOrchestrators deletes COMPLETED orchestrators whose retention
// deadline is before the given time. Their queue rows cascade.
func (s *orchestratorStore) PurgeExpiredOrchestrators(ctx context.Context, before time.Time) (int64, error) {
	dbAttrs := storage.DefaultDBAttributes(attribute.String("before", before.String()))

	var purged int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.purge_expired_orchestrators", dbAttrs, func(ctx context.Context) error {
		result, err := s.db.Exec(ctx, purgeExpiredOrchestratorsQuery, before)
		if err != nil {
			return fmt.Errorf("purge expired orchestrators error: %w", err)
		}
		purged = result.RowsAffected()
		return nil
	})
	return purged, err
}

func (s *orchestratorStore) loadQueues(ctx context.Context, subjectIDs []string) (map[string][]*domain.AnalysisStateMachine, error) {
	rows, err := s.db.Query(ctx, listQueueItemsQuery, subjectIDs)
	if err != nil {
		return nil, fmt.Errorf("list queue items error: %w", err)
	}
	defer rows.Close()

	queues := make(map[string][]*domain.AnalysisStateMachine, len(subjectIDs))
	for rows.Next() {
		var (
			subjectID string
			payload   []byte
		)
		if err := rows.Scan(&subjectID, &payload); err != nil {
			return nil, fmt.Errorf("scan queue item error: %w", err)
		}
		m, err := unmarshalMachine(payload)
		if err != nil {
			return nil, err
		}
		queues[subjectID] = append(queues[subjectID], m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items error: %w", err)
	}
	return queues, nil
}

type orchestratorRow struct {
	subjectID         string
	accountID         string
	status            domain.AnalysisStatus
	retentionDeadline time.Time
	createdAt         time.Time
	updatedAt         time.Time
}

func scanOrchestratorRow(row pgx.Row) (orchestratorRow, error) {
	var (
		r      orchestratorRow
		status string
	)
	if err := row.Scan(&r.subjectID, &r.accountID, &status, &r.retentionDeadline, &r.createdAt, &r.updatedAt); err != nil {
		return orchestratorRow{}, err
	}
	st, err := domain.ParseAnalysisStatus(status)
	if err != nil {
		return orchestratorRow{}, err
	}
	r.status = st
	return r, nil
}

func (r orchestratorRow) toDomain(queue []*domain.AnalysisStateMachine) *domain.AnalysisOrchestrator {
	return domain.ReconstructOrchestrator(
		r.subjectID,
		r.accountID,
		r.status,
		queue,
		r.retentionDeadline.UTC(),
		r.createdAt.UTC(),
		r.updatedAt.UTC(),
	)
}
