package analysis

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

// AnalysisIntake is the part of OrchestrationService that accepts work from
// outside the controller.
type AnalysisIntake interface {
	QueueAnalysis(ctx context.Context, input domain.AnalysisInput) error
	MarkCompleted(ctx context.Context, subjectID string) error
	MarkCompletedBatch(ctx context.Context, subjectIDs []string) error
}

var _ AnalysisIntake = (*OrchestrationService)(nil)

// RequestHandler turns request events delivered by the bus into calls on an
// AnalysisIntake.
type RequestHandler struct {
	intake AnalysisIntake
	logger *logger.Logger
	tracer trace.Tracer
}

// NewRequestHandler creates a RequestHandler.
func NewRequestHandler(intake AnalysisIntake, logger *logger.Logger, tracer trace.Tracer) *RequestHandler {
	return &RequestHandler{
		intake: intake,
		logger: logger.With("component", "analysis_request_handler"),
		tracer: tracer,
	}
}

// EventTypes lists the events HandleEvent understands.
func (h *RequestHandler) EventTypes() []events.EventType {
	return []events.EventType{
		domain.EventTypeAnalysisRequested,
		domain.EventTypeAnalysisCompletionRequested,
	}
}

// HandleEvent applies one request. Requests that can never succeed (bad
// input, unknown or unsupported subject) are logged and dropped; anything
// else is returned so the bus reports it.
func (h *RequestHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope) error {
	ctx, span := h.tracer.Start(ctx, "analysis_request_handler.handle_event",
		trace.WithAttributes(attribute.String("event_type", string(evt.Type))),
	)
	defer span.End()

	var err error
	switch payload := evt.Payload.(type) {
	case domain.AnalysisRequestedEvent:
		err = h.handleAnalysisRequested(ctx, payload)
	case domain.AnalysisCompletionRequestedEvent:
		err = h.handleCompletionRequested(ctx, payload)
	default:
		err = fmt.Errorf("unexpected payload type %T for event %s", evt.Payload, evt.Type)
	}

	if err != nil && isRejectedRequest(err) {
		h.logger.Warn(ctx, "Dropping rejected analysis request", "event_type", evt.Type, "error", err)
		span.AddEvent("request_rejected")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "request applied")
	return nil
}

func (h *RequestHandler) handleAnalysisRequested(ctx context.Context, evt domain.AnalysisRequestedEvent) error {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("subject_id", evt.Input.SubjectID))
	if err := h.intake.QueueAnalysis(ctx, evt.Input); err != nil {
		return fmt.Errorf("failed to queue requested analysis (subject_id: %s): %w", evt.Input.SubjectID, err)
	}
	h.logger.Debug(ctx, "Requested analysis queued",
		"subject_id", evt.Input.SubjectID,
		"window_start", evt.Input.StartTime,
		"window_end", evt.Input.EndTime,
	)
	return nil
}

func (h *RequestHandler) handleCompletionRequested(ctx context.Context, evt domain.AnalysisCompletionRequestedEvent) error {
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("subject_count", len(evt.SubjectIDs)))
	switch len(evt.SubjectIDs) {
	case 0:
		return fmt.Errorf("%w: completion request names no subjects", domain.ErrInvalidAnalysisInput)
	case 1:
		if err := h.intake.MarkCompleted(ctx, evt.SubjectIDs[0]); err != nil {
			return fmt.Errorf("failed to mark analysis completed (subject_id: %s): %w", evt.SubjectIDs[0], err)
		}
	default:
		if err := h.intake.MarkCompletedBatch(ctx, evt.SubjectIDs); err != nil {
			return fmt.Errorf("failed to mark analyses completed (subjects: %d): %w", len(evt.SubjectIDs), err)
		}
	}
	return nil
}

func isRejectedRequest(err error) bool {
	return errors.Is(err, domain.ErrInvalidAnalysisInput) ||
		errors.Is(err, domain.ErrSubjectNotFound) ||
		errors.Is(err, domain.ErrUnsupportedSubjectKind)
}
