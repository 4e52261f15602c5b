package analysis

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
	"github.com/ahrav/analysis-armada/pkg/common/timeutil"
)

// StateMachineService advances individual state machines one tick at a time.
//
// It checks that a subject has no unfinished machine before starting a new
// one, but that read and the following write are not atomic. Callers must
// not tick the same subject concurrently; the Scheduler guarantees this with
// leader election and a per-subject lock, and the Postgres store backs it
// with a unique index on running machines.
type StateMachineService struct {
	machines  domain.StateMachineRepository
	executors *domain.ExecutorRegistry
	publisher events.DomainEventPublisher
	retry     RetryPolicy
	clock     timeutil.Provider

	logger  *logger.Logger
	metrics AnalysisMetrics
	tracer  trace.Tracer
}

// NewStateMachineService creates a StateMachineService.
func NewStateMachineService(
	machines domain.StateMachineRepository,
	executors *domain.ExecutorRegistry,
	publisher events.DomainEventPublisher,
	retry RetryPolicy,
	clock timeutil.Provider,
	logger *logger.Logger,
	metrics AnalysisMetrics,
	tracer trace.Tracer,
) *StateMachineService {
	return &StateMachineService{
		machines:  machines,
		executors: executors,
		publisher: publisher,
		retry:     retry,
		clock:     clock,
		logger:    logger.With("component", "state_machine_service"),
		metrics:   metrics,
		tracer:    tracer,
	}
}

// InitiateStateMachine starts machine for subjectID. It refuses when the
// subject's latest machine is neither SUCCESS nor IGNORED, and discards the
// machine as IGNORED if it has gone stale.
func (s *StateMachineService) InitiateStateMachine(
	ctx context.Context,
	subjectID string,
	machine *domain.AnalysisStateMachine,
) error {
	ctx, span := s.tracer.Start(ctx, "state_machine_service.initiate_state_machine",
		trace.WithAttributes(attribute.String("subject_id", subjectID)),
	)
	defer span.End()

	if machine == nil || machine.CurrentState() == nil {
		span.SetStatus(codes.Error, "nil state machine")
		return fmt.Errorf("failed to initiate state machine (subject_id: %s): %w", subjectID, domain.ErrNilStateMachine)
	}
	span.SetAttributes(attribute.String("machine_id", machine.ID().String()))
	logger := s.logger.With("operation", "initiate_state_machine", "subject_id", subjectID, "machine_id", machine.ID())

	latest, err := s.machines.GetLatestStateMachine(ctx, subjectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load latest state machine")
		return fmt.Errorf("failed to load latest state machine (subject_id: %s): %w", subjectID, err)
	}
	if latest != nil && !latest.Status().IsFinished() {
		err := fmt.Errorf("%w (subject_id: %s, running_machine_id: %s, status: %s)",
			domain.ErrStateMachineAlreadyRunning, subjectID, latest.ID(), latest.Status())
		span.RecordError(err)
		span.SetStatus(codes.Error, "state machine already running")
		return err
	}

	if s.IgnoreOldStateMachine(machine) {
		if err := s.save(ctx, machine); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to persist ignored state machine")
			return err
		}
		s.metrics.IncStateMachineIgnored(ctx, "stale")
		publishEvent(ctx, s.publisher, logger, subjectID, domain.NewStateMachineIgnoredEvent(machine, s.clock.Now()))
		logger.Info(ctx, "Stale state machine ignored on initiation",
			"analysis_end_time", machine.AnalysisEndTime(),
			"ignore_minutes", machine.IgnoreMinutes(),
		)
		span.AddEvent("state_machine_ignored")
		return nil
	}

	machine.Start(subjectID)

	current := machine.CurrentState()
	executor, err := s.executors.Get(current.Type)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "executor not registered")
		return fmt.Errorf("failed to initiate state machine (subject_id: %s): %w", subjectID, err)
	}

	next, err := executor.Execute(ctx, current)
	if err != nil {
		// The machine has left the queue; park it as FAILED for the retry path.
		current.Status = domain.StatusFailed
		_ = machine.MarkFailed(domain.StatusFailed, s.clock.Now().Add(s.retry.Delay))
		if saveErr := s.save(ctx, machine); saveErr != nil {
			logger.Error(ctx, "failed to persist state machine after execute error", "error", saveErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to execute first state")
		return fmt.Errorf("failed to execute first state (subject_id: %s, state_type: %s): %w",
			subjectID, current.Type, err)
	}
	machine.SetCurrentState(next)

	if err := s.save(ctx, machine); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist state machine")
		return err
	}

	s.metrics.IncStateMachineInitiated(ctx)
	logger.Info(ctx, "State machine initiated", "state_type", next.Type, "state_status", next.Status)
	span.AddEvent("state_machine_initiated")
	span.SetStatus(codes.Ok, "state machine initiated")

	return nil
}

// IgnoreOldStateMachine marks machine IGNORED and returns true when it is
// not running and its window ended more than IgnoreMinutes ago.
func (s *StateMachineService) IgnoreOldStateMachine(machine *domain.AnalysisStateMachine) bool {
	if !machine.IsStale(s.clock.Now()) {
		return false
	}
	machine.MarkIgnored()
	return true
}

// ExecuteStateMachine advances machine by one step and persists it. It
// returns the machine's status after the step.
func (s *StateMachineService) ExecuteStateMachine(
	ctx context.Context,
	machine *domain.AnalysisStateMachine,
) (domain.AnalysisStatus, error) {
	ctx, span := s.tracer.Start(ctx, "state_machine_service.execute_state_machine",
		trace.WithAttributes(
			attribute.String("subject_id", machine.SubjectID()),
			attribute.String("machine_id", machine.ID().String()),
		),
	)
	defer span.End()
	logger := s.logger.With("operation", "execute_state_machine", "subject_id", machine.SubjectID(), "machine_id", machine.ID())

	current := machine.CurrentState()
	if current == nil {
		span.SetStatus(codes.Error, "nil current state")
		return "", fmt.Errorf("failed to execute state machine (machine_id: %s): %w", machine.ID(), domain.ErrNilStateMachine)
	}

	executor, err := s.executors.Get(current.Type)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "executor not registered")
		return "", fmt.Errorf("failed to execute state machine (machine_id: %s): %w", machine.ID(), err)
	}

	status, err := executor.GetExecutionStatus(ctx, current)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get execution status")
		return "", fmt.Errorf("failed to get execution status (machine_id: %s, state_type: %s): %w",
			machine.ID(), current.Type, err)
	}
	current.Status = status
	span.SetAttributes(
		attribute.String("state_type", current.Type.String()),
		attribute.String("state_status", status.String()),
	)

	next, err := dispatch(ctx, executor, current)
	if err == nil && next == nil {
		err = domain.ErrNilStateMachine
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "state handler failed")
		return "", fmt.Errorf("failed to handle state (machine_id: %s, state_type: %s, status: %s): %w",
			machine.ID(), current.Type, status, err)
	}

	if next.Status == domain.StatusCreated {
		machine.ArchiveCurrentState()
		nextExecutor, err := s.executors.Get(next.Type)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "executor not registered")
			return "", fmt.Errorf("failed to execute next state (machine_id: %s): %w", machine.ID(), err)
		}
		if next, err = nextExecutor.Execute(ctx, next); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to execute next state")
			return "", fmt.Errorf("failed to execute next state (machine_id: %s): %w", machine.ID(), err)
		}
		logger.Debug(ctx, "Advanced to next state", "state_type", next.Type)
		span.AddEvent("advanced_to_next_state", trace.WithAttributes(attribute.String("state_type", next.Type.String())))
	}

	switch {
	case next.Status == domain.StatusSuccess:
		machine.MarkSucceeded()
		if err := s.handleFinalStatuses(ctx, next); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "final status handler failed")
			return "", fmt.Errorf("failed to handle final status (machine_id: %s): %w", machine.ID(), err)
		}
	case next.Status.IsFinalStateStatus():
		if err := machine.MarkFailed(next.Status, s.clock.Now().Add(s.retry.Delay)); err != nil {
			return "", err
		}
		if err := s.handleFinalStatuses(ctx, next); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "final status handler failed")
			return "", fmt.Errorf("failed to handle final status (machine_id: %s): %w", machine.ID(), err)
		}
	}
	machine.SetCurrentState(next)

	if err := s.save(ctx, machine); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist state machine")
		return "", err
	}

	switch st := machine.Status(); {
	case st == domain.StatusSuccess:
		s.metrics.IncStateMachineFinished(ctx, st)
		publishEvent(ctx, s.publisher, logger, machine.SubjectID(), domain.NewStateMachineCompletedEvent(machine, s.clock.Now()))
		logger.Info(ctx, "State machine succeeded", "completed_states", len(machine.CompletedStates())+1)
	case st.IsFinalStateStatus():
		s.metrics.IncStateMachineFinished(ctx, st)
		publishEvent(ctx, s.publisher, logger, machine.SubjectID(), domain.NewStateMachineFailedEvent(machine, s.clock.Now()))
		logger.Warn(ctx, "State machine failed, retry scheduled",
			"status", st,
			"state_type", next.Type,
			"next_attempt_time", machine.NextAttemptTime(),
		)
	}

	span.SetStatus(codes.Ok, "state machine executed")
	return machine.Status(), nil
}

// dispatch routes the state to the handler matching its status.
func dispatch(
	ctx context.Context,
	executor domain.AnalysisStateExecutor,
	state *domain.AnalysisState,
) (*domain.AnalysisState, error) {
	switch state.Status {
	case domain.StatusCreated:
		return executor.Execute(ctx, state)
	case domain.StatusRunning:
		return executor.HandleRunning(ctx, state)
	case domain.StatusTransition:
		return executor.HandleTransition(ctx, state)
	case domain.StatusTimeout:
		return executor.HandleTimeout(ctx, state)
	case domain.StatusFailed:
		return executor.HandleFailure(ctx, state)
	case domain.StatusRetry:
		return executor.HandleRetry(ctx, state)
	case domain.StatusSuccess:
		return executor.HandleSuccess(ctx, state)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnhandledStatus, state.Status)
	}
}

func (s *StateMachineService) handleFinalStatuses(ctx context.Context, state *domain.AnalysisState) error {
	executor, err := s.executors.Get(state.Type)
	if err != nil {
		return err
	}
	return executor.HandleFinalStatuses(ctx, state)
}

// RetryStateMachineAfterFailure reruns the current state of a FAILED or
// TIMEOUT machine once its next attempt time has passed. With a capped
// RetryPolicy, a machine that has used all its retries is IGNORED instead.
func (s *StateMachineService) RetryStateMachineAfterFailure(
	ctx context.Context,
	machine *domain.AnalysisStateMachine,
) error {
	ctx, span := s.tracer.Start(ctx, "state_machine_service.retry_state_machine_after_failure",
		trace.WithAttributes(
			attribute.String("subject_id", machine.SubjectID()),
			attribute.String("machine_id", machine.ID().String()),
			attribute.Int("total_retry_count", machine.TotalRetryCount()),
		),
	)
	defer span.End()
	logger := s.logger.With("operation", "retry_state_machine_after_failure", "subject_id", machine.SubjectID(), "machine_id", machine.ID())

	now := s.clock.Now()
	if now.Before(machine.NextAttemptTime()) {
		span.AddEvent("retry_not_due")
		return nil
	}

	current := machine.CurrentState()
	if current == nil || !current.Status.IsFinalStateStatus() {
		status := domain.AnalysisStatus("")
		if current != nil {
			status = current.Status
		}
		err := fmt.Errorf("%w (machine_id: %s, state_status: %s)", domain.ErrInvalidRetry, machine.ID(), status)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid retry")
		return err
	}

	if s.retry.exhausted(machine.TotalRetryCount()) {
		machine.MarkIgnored()
		if err := s.save(ctx, machine); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to persist exhausted state machine")
			return err
		}
		s.metrics.IncStateMachineIgnored(ctx, "retries_exhausted")
		publishEvent(ctx, s.publisher, logger, machine.SubjectID(), domain.NewStateMachineIgnoredEvent(machine, now))
		logger.Warn(ctx, "Retries exhausted, state machine ignored", "max_retries", s.retry.MaxRetries)
		span.AddEvent("retries_exhausted")
		return nil
	}

	executor, err := s.executors.Get(current.Type)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "executor not registered")
		return fmt.Errorf("failed to retry state machine (machine_id: %s): %w", machine.ID(), err)
	}

	rerun, err := executor.HandleRerun(ctx, current)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rerun failed")
		return fmt.Errorf("failed to rerun state (machine_id: %s, state_type: %s): %w", machine.ID(), current.Type, err)
	}
	machine.RearmForRetry(rerun)

	if err := s.save(ctx, machine); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist retried state machine")
		return err
	}

	s.metrics.IncStateMachineRetried(ctx)
	logger.Info(ctx, "State machine retried", "total_retry_count", machine.TotalRetryCount(), "state_type", rerun.Type)
	span.SetStatus(codes.Ok, "state machine retried")
	return nil
}

func (s *StateMachineService) save(ctx context.Context, machine *domain.AnalysisStateMachine) error {
	if err := s.machines.SaveStateMachine(ctx, machine); err != nil {
		return fmt.Errorf("failed to save state machine (subject_id: %s, machine_id: %s): %w",
			machine.SubjectID(), machine.ID(), err)
	}
	return nil
}
