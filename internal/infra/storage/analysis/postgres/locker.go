package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/analysis-armada/internal/infra/storage"
)

// lockNamespace keeps subject locks apart from other advisory lock users.
const lockNamespace = 7301

const (
	tryAdvisoryLockQuery = `SELECT pg_try_advisory_lock($1::int, hashtext($2))`
	advisoryUnlockQuery  = `SELECT pg_advisory_unlock($1::int, hashtext($2))`
)

// SubjectLocker grants per-subject leases with session-level advisory locks,
// so a lease is visible to every replica sharing the database. Each held
// lease pins one pool connection until it is released.
type SubjectLocker struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewSubjectLocker creates an advisory-lock SubjectLocker.
func NewSubjectLocker(pool *pgxpool.Pool, tracer trace.Tracer) *SubjectLocker {
	return &SubjectLocker{db: pool, tracer: tracer}
}

// TryLock attempts to take the subject's lock without waiting.
func (l *SubjectLocker) TryLock(ctx context.Context, subjectID string) (func(), bool, error) {
	dbAttrs := storage.DefaultDBAttributes(attribute.String("subject_id", subjectID))

	var (
		unlock   func()
		acquired bool
	)
	err := storage.ExecuteAndTrace(ctx, l.tracer, "postgres.try_subject_lock", dbAttrs, func(ctx context.Context) error {
		conn, err := l.db.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire connection error: %w", err)
		}

		if err := conn.QueryRow(ctx, tryAdvisoryLockQuery, lockNamespace, subjectID).Scan(&acquired); err != nil {
			conn.Release()
			return fmt.Errorf("try advisory lock error: %w", err)
		}
		if !acquired {
			conn.Release()
			return nil
		}

		var once sync.Once
		unlock = func() {
			once.Do(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, err := conn.Exec(ctx, advisoryUnlockQuery, lockNamespace, subjectID); err != nil {
					// Closing the session drops every lock it holds.
					_ = conn.Conn().Close(ctx)
				}
				conn.Release()
			})
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return unlock, acquired, nil
}
