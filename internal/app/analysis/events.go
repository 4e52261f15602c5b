package analysis

import (
	"context"

	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

// publishEvent emits evt keyed by subject. State has already been persisted
// when this runs, so a publish failure is logged and not returned.
func publishEvent(
	ctx context.Context,
	publisher events.DomainEventPublisher,
	log *logger.Logger,
	subjectID string,
	evt events.DomainEvent,
) {
	if publisher == nil {
		return
	}
	if err := publisher.PublishDomainEvent(ctx, evt, events.WithKey(subjectID)); err != nil {
		log.Warn(ctx, "failed to publish domain event",
			"event_type", evt.EventType(),
			"subject_id", subjectID,
			"error", err,
		)
	}
}
