package analysis

import (
	"context"
	"fmt"
)

// AnalysisStateExecutor drives one StateType. GetExecutionStatus observes the
// backend; the Handle methods return the state the machine should hold next,
// which is either the same state with an updated status or a new CREATED
// state for the follow-up step.
type AnalysisStateExecutor interface {
	GetExecutionStatus(ctx context.Context, state *AnalysisState) (AnalysisStatus, error)

	Execute(ctx context.Context, state *AnalysisState) (*AnalysisState, error)
	HandleRunning(ctx context.Context, state *AnalysisState) (*AnalysisState, error)
	HandleTransition(ctx context.Context, state *AnalysisState) (*AnalysisState, error)
	HandleTimeout(ctx context.Context, state *AnalysisState) (*AnalysisState, error)
	HandleFailure(ctx context.Context, state *AnalysisState) (*AnalysisState, error)
	HandleRetry(ctx context.Context, state *AnalysisState) (*AnalysisState, error)
	HandleSuccess(ctx context.Context, state *AnalysisState) (*AnalysisState, error)
	HandleRerun(ctx context.Context, state *AnalysisState) (*AnalysisState, error)

	// HandleFinalStatuses runs once when a machine ends in SUCCESS, FAILED or
	// TIMEOUT.
	HandleFinalStatuses(ctx context.Context, state *AnalysisState) error
}

// ExecutorRegistry maps each StateType to its executor. It is built once and
// never mutated.
type ExecutorRegistry struct {
	executors map[StateType]AnalysisStateExecutor
}

// NewExecutorRegistry copies executors into a new registry.
func NewExecutorRegistry(executors map[StateType]AnalysisStateExecutor) *ExecutorRegistry {
	m := make(map[StateType]AnalysisStateExecutor, len(executors))
	for k, v := range executors {
		m[k] = v
	}
	return &ExecutorRegistry{executors: m}
}

// Get returns the executor for t or ErrExecutorNotRegistered.
func (r *ExecutorRegistry) Get(t StateType) (AnalysisStateExecutor, error) {
	exec, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutorNotRegistered, t)
	}
	return exec, nil
}
