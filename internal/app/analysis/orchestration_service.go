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

// OrchestrationService owns the per-subject backlog of analysis windows and
// decides, on every tick, what the subject's state machine should do next.
type OrchestrationService struct {
	orchestrators domain.OrchestratorRepository
	machines      domain.StateMachineRepository
	factory       *StateMachineFactory
	stateMachines *StateMachineService
	publisher     events.DomainEventPublisher
	policy        Policy
	clock         timeutil.Provider

	logger  *logger.Logger
	metrics AnalysisMetrics
	tracer  trace.Tracer
}

// NewOrchestrationService creates an OrchestrationService.
func NewOrchestrationService(
	orchestrators domain.OrchestratorRepository,
	machines domain.StateMachineRepository,
	factory *StateMachineFactory,
	stateMachines *StateMachineService,
	publisher events.DomainEventPublisher,
	policy Policy,
	clock timeutil.Provider,
	logger *logger.Logger,
	metrics AnalysisMetrics,
	tracer trace.Tracer,
) *OrchestrationService {
	return &OrchestrationService{
		orchestrators: orchestrators,
		machines:      machines,
		factory:       factory,
		stateMachines: stateMachines,
		publisher:     publisher,
		policy:        policy,
		clock:         clock,
		logger:        logger.With("component", "orchestration_service"),
		metrics:       metrics,
		tracer:        tracer,
	}
}

// QueueAnalysis builds a state machine for input and appends it to the
// subject's queue, creating the orchestrator on first use.
func (s *OrchestrationService) QueueAnalysis(ctx context.Context, input domain.AnalysisInput) error {
	ctx, span := s.tracer.Start(ctx, "orchestration_service.queue_analysis",
		trace.WithAttributes(
			attribute.String("subject_id", input.SubjectID),
			attribute.String("window_start", input.StartTime.String()),
			attribute.String("window_end", input.EndTime.String()),
		),
	)
	defer span.End()

	if err := input.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid analysis input")
		return err
	}

	machine, err := s.factory.CreateStateMachine(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create state machine")
		return fmt.Errorf("failed to queue analysis (subject_id: %s): %w", input.SubjectID, err)
	}

	now := s.clock.Now()
	orch := domain.NewAnalysisOrchestrator(input.SubjectID, machine.AccountID(), now.Add(s.policy.Retention), now)
	if err := s.orchestrators.UpsertOrchestratorAppend(ctx, orch, machine); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to append to orchestrator queue")
		return fmt.Errorf("failed to queue analysis (subject_id: %s): %w", input.SubjectID, err)
	}

	s.metrics.IncAnalysisQueued(ctx)
	publishEvent(ctx, s.publisher, s.logger, input.SubjectID, domain.NewAnalysisQueuedEvent(machine.ID(), input, now))
	s.logger.Debug(ctx, "Analysis queued",
		"subject_id", input.SubjectID,
		"machine_id", machine.ID(),
		"window_start", input.StartTime,
		"window_end", input.EndTime,
	)
	span.SetStatus(codes.Ok, "analysis queued")

	return nil
}

// Orchestrate performs one tick for orch's subject. The same subject must not
// be orchestrated concurrently.
func (s *OrchestrationService) Orchestrate(ctx context.Context, orch *domain.AnalysisOrchestrator) error {
	subjectID := orch.SubjectID()
	ctx, span := s.tracer.Start(ctx, "orchestration_service.orchestrate",
		trace.WithAttributes(
			attribute.String("subject_id", subjectID),
			attribute.Int("queue_length", orch.QueueLen()),
		),
	)
	defer span.End()
	logger := s.logger.With("operation", "orchestrate", "subject_id", subjectID)

	if err := s.orchestrate(ctx, orch, logger); err != nil {
		s.metrics.IncOrchestrateErrors(ctx)
		logger.Error(ctx, "Orchestration tick failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "orchestration tick failed")
		return fmt.Errorf("failed to orchestrate (subject_id: %s): %w", subjectID, err)
	}

	span.SetStatus(codes.Ok, "orchestration tick completed")
	return nil
}

func (s *OrchestrationService) orchestrate(
	ctx context.Context,
	orch *domain.AnalysisOrchestrator,
	logger *logger.Logger,
) error {
	subjectID := orch.SubjectID()

	s.metrics.ObserveQueueDepth(ctx, orch.QueueLen())
	if orch.QueueLen() > s.policy.QueueBacklogWarning {
		s.metrics.IncQueueBacklogExceeded(ctx)
		logger.Warn(ctx, "Orchestrator queue backlog exceeded",
			"queue_length", orch.QueueLen(),
			"threshold", s.policy.QueueBacklogWarning,
		)
	}

	candidate, err := s.machines.GetLatestStateMachine(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("failed to load latest state machine: %w", err)
	}
	if candidate == nil {
		candidate = orch.Front()
	}
	if candidate == nil {
		logger.Debug(ctx, "Nothing to orchestrate")
		return nil
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("candidate_machine_id", candidate.ID().String()),
		attribute.String("candidate_status", candidate.Status().String()),
	)

	switch status := candidate.Status(); status {
	case domain.StatusCreated, domain.StatusSuccess, domain.StatusIgnored:
		return s.dequeueNext(ctx, subjectID, logger)

	case domain.StatusRunning:
		result, err := s.stateMachines.ExecuteStateMachine(ctx, candidate)
		if err != nil {
			return err
		}
		if result == domain.StatusSuccess || result == domain.StatusCompleted {
			return s.dequeueNext(ctx, subjectID, logger)
		}
		return nil

	case domain.StatusFailed, domain.StatusTimeout:
		return s.stateMachines.RetryStateMachineAfterFailure(ctx, candidate)

	case domain.StatusCompleted:
		if err := s.orchestrators.UpdateOrchestratorStatus(ctx, subjectID, domain.StatusCompleted); err != nil {
			return fmt.Errorf("failed to complete orchestrator: %w", err)
		}
		logger.Info(ctx, "Orchestrator completed")
		return nil

	default:
		return fmt.Errorf("%w: candidate machine %s has status %s", domain.ErrUnhandledStatus, candidate.ID(), status)
	}
}

// dequeueNext pops queued machines until one is fresh enough to start,
// discarding stale ones, for at most Policy.IgnoreLimit pops.
func (s *OrchestrationService) dequeueNext(ctx context.Context, subjectID string, logger *logger.Logger) error {
	ctx, span := s.tracer.Start(ctx, "orchestration_service.dequeue_next",
		trace.WithAttributes(attribute.String("subject_id", subjectID)),
	)
	defer span.End()

	ignored := 0
	for popped := 0; popped < s.policy.IgnoreLimit; popped++ {
		machine, err := s.orchestrators.PopFront(ctx, subjectID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to pop queue")
			return fmt.Errorf("failed to pop orchestrator queue: %w", err)
		}
		if machine == nil {
			span.AddEvent("queue_drained", trace.WithAttributes(attribute.Int("ignored", ignored)))
			logger.Debug(ctx, "Queue drained", "ignored", ignored)
			return nil
		}

		if s.stateMachines.IgnoreOldStateMachine(machine) {
			if err := s.machines.SaveStateMachine(ctx, machine); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to persist ignored state machine")
				return fmt.Errorf("failed to save ignored state machine (machine_id: %s): %w", machine.ID(), err)
			}
			ignored++
			s.metrics.IncStateMachineIgnored(ctx, "stale")
			publishEvent(ctx, s.publisher, logger, subjectID, domain.NewStateMachineIgnoredEvent(machine, s.clock.Now()))
			continue
		}

		if err := s.stateMachines.InitiateStateMachine(ctx, subjectID, machine); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to initiate state machine")
			return err
		}
		span.AddEvent("state_machine_dequeued", trace.WithAttributes(
			attribute.String("machine_id", machine.ID().String()),
			attribute.Int("ignored", ignored),
		))
		break
	}

	if ignored > 0 {
		logger.Info(ctx, "Stale state machines ignored", "count", ignored)
	}

	if err := s.orchestrators.UpdateOrchestratorStatus(ctx, subjectID, domain.StatusRunning); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update orchestrator status")
		return fmt.Errorf("failed to mark orchestrator running: %w", err)
	}

	span.SetStatus(codes.Ok, "dequeue completed")
	return nil
}

// MarkCompleted sets the subject's orchestrator to COMPLETED.
func (s *OrchestrationService) MarkCompleted(ctx context.Context, subjectID string) error {
	ctx, span := s.tracer.Start(ctx, "orchestration_service.mark_completed",
		trace.WithAttributes(attribute.String("subject_id", subjectID)),
	)
	defer span.End()

	if err := s.orchestrators.UpdateOrchestratorStatus(ctx, subjectID, domain.StatusCompleted); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark orchestrator completed")
		return fmt.Errorf("failed to mark orchestrator completed (subject_id: %s): %w", subjectID, err)
	}

	s.logger.Info(ctx, "Orchestrator marked completed", "subject_id", subjectID)
	span.SetStatus(codes.Ok, "orchestrator completed")
	return nil
}

// MarkCompletedBatch sets every listed subject's orchestrator to COMPLETED.
func (s *OrchestrationService) MarkCompletedBatch(ctx context.Context, subjectIDs []string) error {
	ctx, span := s.tracer.Start(ctx, "orchestration_service.mark_completed_batch",
		trace.WithAttributes(attribute.Int("subject_count", len(subjectIDs))),
	)
	defer span.End()

	if len(subjectIDs) == 0 {
		return nil
	}

	if err := s.orchestrators.UpdateOrchestratorStatuses(ctx, subjectIDs, domain.StatusCompleted); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark orchestrators completed")
		return fmt.Errorf("failed to mark %d orchestrators completed: %w", len(subjectIDs), err)
	}

	s.logger.Info(ctx, "Orchestrators marked completed", "count", len(subjectIDs))
	span.SetStatus(codes.Ok, "orchestrators completed")
	return nil
}

// GetAnalysisOrchestrator returns the subject's orchestrator and queue.
func (s *OrchestrationService) GetAnalysisOrchestrator(
	ctx context.Context,
	subjectID string,
) (*domain.AnalysisOrchestrator, error) {
	ctx, span := s.tracer.Start(ctx, "orchestration_service.get_analysis_orchestrator",
		trace.WithAttributes(attribute.String("subject_id", subjectID)),
	)
	defer span.End()

	orch, err := s.orchestrators.GetOrchestrator(ctx, subjectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get orchestrator")
		return nil, fmt.Errorf("failed to get orchestrator (subject_id: %s): %w", subjectID, err)
	}
	return orch, nil
}
