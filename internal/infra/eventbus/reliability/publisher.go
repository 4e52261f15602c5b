package reliability

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

var _ events.DomainEventPublisher = (*RetryingPublisher)(nil)

// RetryingPublisher retries critical events with exponential backoff and
// publishes everything else once.
type RetryingPublisher struct {
	next       events.DomainEventPublisher
	maxElapsed time.Duration
	logger     *logger.Logger
}

// NewRetryingPublisher wraps next. Critical events are retried for at most
// maxElapsed.
func NewRetryingPublisher(next events.DomainEventPublisher, maxElapsed time.Duration, logger *logger.Logger) *RetryingPublisher {
	return &RetryingPublisher{
		next:       next,
		maxElapsed: maxElapsed,
		logger:     logger.With("component", "retrying_publisher"),
	}
}

// PublishDomainEvent publishes event, retrying when it is critical.
func (p *RetryingPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	if !IsCriticalEvent(event.EventType()) {
		return p.next.PublishDomainEvent(ctx, event, opts...)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxElapsedTime = p.maxElapsed

	attempt := 0
	operation := func() error {
		attempt++
		err := p.next.PublishDomainEvent(ctx, event, opts...)
		if err != nil {
			p.logger.Warn(ctx, "publish of critical event failed",
				"event_type", event.EventType(),
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(expBackoff, ctx))
}
