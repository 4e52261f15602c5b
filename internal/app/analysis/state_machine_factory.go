package analysis

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
	"github.com/ahrav/analysis-armada/pkg/common/timeutil"
)

// StateMachineFactory builds the state machine for an analysis window based on
// what kind of subject it belongs to.
type StateMachineFactory struct {
	subjects domain.SubjectProvider
	policy   Policy
	clock    timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewStateMachineFactory creates a StateMachineFactory.
func NewStateMachineFactory(
	subjects domain.SubjectProvider,
	policy Policy,
	clock timeutil.Provider,
	logger *logger.Logger,
	tracer trace.Tracer,
) *StateMachineFactory {
	return &StateMachineFactory{
		subjects: subjects,
		policy:   policy,
		clock:    clock,
		logger:   logger.With("component", "state_machine_factory"),
		tracer:   tracer,
	}
}

// CreateStateMachine returns a CREATED machine for input whose first state is
// chosen by the subject's task kind, verification method, and whether the
// window is the pre-deployment baseline.
func (f *StateMachineFactory) CreateStateMachine(
	ctx context.Context,
	input domain.AnalysisInput,
) (*domain.AnalysisStateMachine, error) {
	ctx, span := f.tracer.Start(ctx, "state_machine_factory.create_state_machine",
		trace.WithAttributes(
			attribute.String("subject_id", input.SubjectID),
			attribute.String("window_start", input.StartTime.String()),
			attribute.String("window_end", input.EndTime.String()),
		),
	)
	defer span.End()

	subject, err := f.subjects.GetSubject(ctx, input.SubjectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve subject")
		return nil, fmt.Errorf("failed to resolve subject (subject_id: %s): %w", input.SubjectID, err)
	}

	stateType, err := firstStateType(subject, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unsupported subject")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("task_kind", string(subject.Kind)),
		attribute.String("state_type", stateType.String()),
	)

	machine := domain.NewAnalysisStateMachine(
		subject.AccountID,
		input,
		domain.NewAnalysisState(stateType, input),
		f.ignoreMinutes(subject),
		f.clock.Now(),
	)

	f.logger.Debug(ctx, "State machine created",
		"subject_id", input.SubjectID,
		"machine_id", machine.ID(),
		"state_type", stateType,
		"ignore_minutes", machine.IgnoreMinutes(),
	)
	span.SetStatus(codes.Ok, "state machine created")

	return machine, nil
}

func firstStateType(subject *domain.Subject, input domain.AnalysisInput) (domain.StateType, error) {
	switch subject.Kind {
	case domain.TaskKindLiveMonitoring:
		switch subject.Method {
		case domain.VerificationMethodTimeSeries:
			return domain.StateTypeServiceGuardTimeSeries, nil
		case domain.VerificationMethodLog:
			return domain.StateTypeServiceGuardLogCluster, nil
		}
	case domain.TaskKindDeployment:
		switch subject.Method {
		case domain.VerificationMethodTimeSeries:
			return domain.StateTypeDeploymentTimeSeries, nil
		case domain.VerificationMethodLog:
			if subject.IsPreBaselineWindow(input) {
				return domain.StateTypePreDeploymentLogCluster, nil
			}
			return domain.StateTypeDeploymentLogCluster, nil
		}
	case domain.TaskKindSLI:
		return domain.StateTypeSLIMetricAnalysis, nil
	case domain.TaskKindCompositeSLO:
		return domain.StateTypeCompositeSLOMetricAnalysis, nil
	}

	return "", fmt.Errorf("%w (subject_id: %s, kind: %s, method: %s)",
		domain.ErrUnsupportedSubjectKind, subject.ID, subject.Kind, subject.Method)
}

func (f *StateMachineFactory) ignoreMinutes(subject *domain.Subject) int {
	if subject.Demo || subject.Kind == domain.TaskKindSLI || subject.Kind == domain.TaskKindCompositeSLO {
		return f.policy.ExtendedIgnoreMinutes
	}
	return f.policy.IgnoreMinutes
}
