package analysis

import (
	"context"
	"fmt"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

// LifecycleAuditor writes one structured log line per terminal state machine
// event observed on the bus.
type LifecycleAuditor struct{ logger *logger.Logger }

// NewLifecycleAuditor creates a LifecycleAuditor.
func NewLifecycleAuditor(logger *logger.Logger) *LifecycleAuditor {
	return &LifecycleAuditor{logger: logger.With("component", "lifecycle_auditor")}
}

// EventTypes lists the events HandleEvent understands.
func (a *LifecycleAuditor) EventTypes() []events.EventType {
	return []events.EventType{
		domain.EventTypeStateMachineCompleted,
		domain.EventTypeStateMachineFailed,
		domain.EventTypeStateMachineIgnored,
	}
}

// HandleEvent logs the outcome carried by evt.
func (a *LifecycleAuditor) HandleEvent(ctx context.Context, evt events.EventEnvelope) error {
	payload, ok := evt.Payload.(domain.StateMachineEvent)
	if !ok {
		return fmt.Errorf("unexpected payload type %T for event %s", evt.Payload, evt.Type)
	}

	kv := []any{
		"machine_id", payload.MachineID.String(),
		"subject_id", payload.SubjectID,
		"account_id", payload.AccountID,
		"status", payload.Status.String(),
		"state_type", payload.StateType.String(),
		"window_start", payload.WindowStart,
		"window_end", payload.WindowEnd,
		"total_retries", payload.TotalRetryCount,
	}

	switch evt.Type {
	case domain.EventTypeStateMachineCompleted:
		a.logger.Info(ctx, "Analysis completed", kv...)
	case domain.EventTypeStateMachineFailed:
		a.logger.Warn(ctx, "Analysis failed", append(kv, "next_attempt", payload.NextAttemptTime)...)
	case domain.EventTypeStateMachineIgnored:
		a.logger.Info(ctx, "Analysis ignored", kv...)
	default:
		return fmt.Errorf("unsupported event type %s", evt.Type)
	}
	return nil
}
