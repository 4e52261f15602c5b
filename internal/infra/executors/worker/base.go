// Package worker provides AnalysisStateExecutors that hand each analysis step
// to an out-of-process worker through the worker task table.
package worker

import (
	"context"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
)

// BaseExecutor supplies the default handler transitions. Executors embed it
// and override the handlers whose behavior depends on their backend.
type BaseExecutor struct{}

// HandleRunning leaves a running state untouched.
func (BaseExecutor) HandleRunning(_ context.Context, state *domain.AnalysisState) (*domain.AnalysisState, error) {
	state.Status = domain.StatusRunning
	return state, nil
}

// HandleTimeout keeps the state TIMEOUT so the machine is parked for retry.
func (BaseExecutor) HandleTimeout(_ context.Context, state *domain.AnalysisState) (*domain.AnalysisState, error) {
	state.Status = domain.StatusTimeout
	return state, nil
}

// HandleFailure keeps the state FAILED so the machine is parked for retry.
func (BaseExecutor) HandleFailure(_ context.Context, state *domain.AnalysisState) (*domain.AnalysisState, error) {
	state.Status = domain.StatusFailed
	return state, nil
}

// HandleFinalStatuses does nothing.
func (BaseExecutor) HandleFinalStatuses(context.Context, *domain.AnalysisState) error { return nil }
