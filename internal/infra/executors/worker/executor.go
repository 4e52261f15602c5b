package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
	"github.com/ahrav/analysis-armada/pkg/common/timeutil"
	"github.com/ahrav/analysis-armada/pkg/common/uuid"
)

// Config tunes how worker tasks are scheduled.
type Config struct {
	// TaskTimeout bounds how long a worker may take before the step times out.
	TaskTimeout time.Duration
	// StateRetries is how many times a failed task is retried in place before
	// the step is reported FAILED.
	StateRetries int
	// Next maps a state type to the step that follows it on success. Types
	// absent from the map finish the machine.
	Next map[domain.StateType]domain.StateType
}

// DefaultConfig chains each log clustering step into its log analysis step.
func DefaultConfig() Config {
	return Config{
		TaskTimeout:  30 * time.Minute,
		StateRetries: 2,
		Next: map[domain.StateType]domain.StateType{
			domain.StateTypeServiceGuardLogCluster: domain.StateTypeServiceGuardLogAnalysis,
			domain.StateTypeDeploymentLogCluster:   domain.StateTypeDeploymentLogAnalysis,
		},
	}
}

var _ domain.AnalysisStateExecutor = (*Executor)(nil)

// Executor runs analysis steps by creating worker tasks and polling their
// status. A single Executor serves any state type.
type Executor struct {
	BaseExecutor

	tasks domain.WorkerTaskRepository
	cfg   Config
	clock timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewExecutor creates an Executor backed by tasks.
func NewExecutor(
	tasks domain.WorkerTaskRepository,
	cfg Config,
	clock timeutil.Provider,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Executor {
	return &Executor{
		tasks:  tasks,
		cfg:    cfg,
		clock:  clock,
		logger: logger.With("component", "worker_executor"),
		tracer: tracer,
	}
}

// NewExecutorRegistry registers exec for every known state type.
func NewExecutorRegistry(exec domain.AnalysisStateExecutor) *domain.ExecutorRegistry {
	executors := make(map[domain.StateType]domain.AnalysisStateExecutor)
	for _, t := range domain.AllStateTypes() {
		executors[t] = exec
	}
	return domain.NewExecutorRegistry(executors)
}

// GetExecutionStatus maps the backing worker task onto an AnalysisStatus.
// States that have not been handed to a worker keep their own status.
func (e *Executor) GetExecutionStatus(ctx context.Context, state *domain.AnalysisState) (domain.AnalysisStatus, error) {
	if state.WorkerTaskID == "" || state.Status == domain.StatusRetry {
		return state.Status, nil
	}

	ctx, span := e.tracer.Start(ctx, "worker_executor.get_execution_status",
		trace.WithAttributes(
			attribute.String("state_type", state.Type.String()),
			attribute.String("worker_task_id", state.WorkerTaskID),
		))
	defer span.End()

	task, err := e.loadTask(ctx, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load worker task")
		return "", err
	}

	var status domain.AnalysisStatus
	switch {
	case task.IsExpired(e.clock.Now()):
		status = domain.StatusTimeout
	case task.Status == domain.WorkerTaskQueued, task.Status == domain.WorkerTaskRunning:
		status = domain.StatusRunning
	case task.Status == domain.WorkerTaskSuccess:
		status = domain.StatusSuccess
	case task.Status == domain.WorkerTaskFailed:
		status = domain.StatusFailed
		if state.RetryCount < e.cfg.StateRetries {
			status = domain.StatusRetry
		}
	default:
		err := fmt.Errorf("unknown worker task status %q (task_id: %s)", task.Status, task.TaskID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown worker task status")
		return "", err
	}

	span.SetAttributes(attribute.String("status", status.String()))
	return status, nil
}

func (e *Executor) loadTask(ctx context.Context, state *domain.AnalysisState) (*domain.WorkerTask, error) {
	id, err := uuid.Parse(state.WorkerTaskID)
	if err != nil {
		return nil, fmt.Errorf("invalid worker task id %q: %w", state.WorkerTaskID, err)
	}
	task, err := e.tasks.GetWorkerTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get worker task (task_id: %s): %w", id, err)
	}
	return task, nil
}

// Execute hands state to a worker and marks it RUNNING.
func (e *Executor) Execute(ctx context.Context, state *domain.AnalysisState) (*domain.AnalysisState, error) {
	if err := e.enqueue(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (e *Executor) enqueue(ctx context.Context, state *domain.AnalysisState) error {
	ctx, span := e.tracer.Start(ctx, "worker_executor.enqueue",
		trace.WithAttributes(
			attribute.String("subject_id", state.Inputs.SubjectID),
			attribute.String("state_type", state.Type.String()),
			attribute.Int("retry_count", state.RetryCount),
		))
	defer span.End()

	now := e.clock.Now()
	task := domain.NewWorkerTask(state.Inputs.SubjectID, state, now.Add(e.cfg.TaskTimeout), now)
	if err := e.tasks.CreateWorkerTask(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create worker task")
		return fmt.Errorf("failed to create worker task (subject_id: %s, state_type: %s): %w",
			state.Inputs.SubjectID, state.Type, err)
	}

	state.WorkerTaskID = task.TaskID.String()
	state.Status = domain.StatusRunning

	e.logger.Debug(ctx, "Enqueued worker task",
		"subject_id", state.Inputs.SubjectID,
		"state_type", state.Type,
		"task_id", task.TaskID,
		"attempt", task.Attempt,
	)
	span.SetAttributes(attribute.String("worker_task_id", state.WorkerTaskID))
	return nil
}

// HandleTransition finishes the step the same way a success does.
func (e *Executor) HandleTransition(ctx context.Context, state *domain.AnalysisState) (*domain.AnalysisState, error) {
	return e.HandleSuccess(ctx, state)
}

// HandleRetry retries a failed task in place, counting the attempt.
func (e *Executor) HandleRetry(ctx context.Context, state *domain.AnalysisState) (*domain.AnalysisState, error) {
	state.RetryCount++
	if err := e.enqueue(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// HandleSuccess starts the configured follow-up step, or finishes the state
// with SUCCESS when there is none.
func (e *Executor) HandleSuccess(_ context.Context, state *domain.AnalysisState) (*domain.AnalysisState, error) {
	if next, ok := e.cfg.Next[state.Type]; ok {
		return domain.NewAnalysisState(next, state.Inputs), nil
	}
	state.Status = domain.StatusSuccess
	return state, nil
}

// HandleRerun re-enqueues a state whose machine is being retried after a
// failure.
func (e *Executor) HandleRerun(ctx context.Context, state *domain.AnalysisState) (*domain.AnalysisState, error) {
	if state == nil {
		return nil, errors.New("rerun of nil state")
	}
	rerun := state.Clone()
	rerun.RetryCount++
	if err := e.enqueue(ctx, rerun); err != nil {
		return nil, err
	}
	return rerun, nil
}

// HandleFinalStatuses logs how the step ended.
func (e *Executor) HandleFinalStatuses(ctx context.Context, state *domain.AnalysisState) error {
	e.logger.Info(ctx, "Analysis step finished",
		"subject_id", state.Inputs.SubjectID,
		"state_type", state.Type,
		"status", state.Status,
		"retry_count", state.RetryCount,
	)
	return nil
}
