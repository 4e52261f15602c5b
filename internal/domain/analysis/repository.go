package analysis

import (
	"context"
	"time"
)

// StateMachineRepository persists state machines.
type StateMachineRepository interface {
	// SaveStateMachine inserts or replaces the machine by id.
	SaveStateMachine(ctx context.Context, machine *AnalysisStateMachine) error

	// GetLatestStateMachine returns the subject's most recently created
	// machine, or nil when none exists.
	GetLatestStateMachine(ctx context.Context, subjectID string) (*AnalysisStateMachine, error)
}

// OrchestratorRepository persists orchestrators and their queues. Each method
// is a single atomic operation against the backing store.
type OrchestratorRepository interface {
	// UpsertOrchestratorAppend creates the orchestrator from orch when it does
	// not exist yet (identity, status, retention) and always appends machine
	// to the back of its queue.
	UpsertOrchestratorAppend(ctx context.Context, orch *AnalysisOrchestrator, machine *AnalysisStateMachine) error

	// PopFront removes and returns the front of the subject's queue, or nil
	// when the queue is empty.
	PopFront(ctx context.Context, subjectID string) (*AnalysisStateMachine, error)

	// GetOrchestrator returns the orchestrator with its queue or
	// ErrOrchestratorNotFound.
	GetOrchestrator(ctx context.Context, subjectID string) (*AnalysisOrchestrator, error)

	// UpdateOrchestratorStatus sets the status of one orchestrator.
	UpdateOrchestratorStatus(ctx context.Context, subjectID string, status AnalysisStatus) error

	// UpdateOrchestratorStatuses sets the status of every listed orchestrator.
	UpdateOrchestratorStatuses(ctx context.Context, subjectIDs []string, status AnalysisStatus) error

	// ListActiveOrchestrators returns up to limit orchestrators that are not
	// COMPLETED, oldest update first.
	ListActiveOrchestrators(ctx context.Context, limit int) ([]*AnalysisOrchestrator, error)

	// TouchOrchestrators refreshes the update time of every listed
	// orchestrator so ListActiveOrchestrators rotates through all of them.
	TouchOrchestrators(ctx context.Context, subjectIDs []string) error

	// PurgeExpiredOrchestrators deletes COMPLETED orchestrators whose
	// retention deadline is before the given time.
	PurgeExpiredOrchestrators(ctx context.Context, before time.Time) (int64, error)
}
