// Package kafka provides a Kafka-based implementation of the event bus for asynchronous messaging.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/analysis-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

// Config contains settings for connecting to and interacting with Kafka brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// QueueTopic carries AnalysisQueued events.
	QueueTopic string
	// LifecycleTopic carries state machine completion, failure and ignore events.
	LifecycleTopic string
	// RequestTopic carries analysis and completion requests from producers
	// outside the controller.
	RequestTopic string

	// GroupID identifies the consumer group for this broker instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	// ServiceType identifies the type of service (e.g., "controller").
	ServiceType string
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying message broker.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	// Maps domain event types to their Kafka topics
	topicMap map[events.EventType]string
	registry *serialization.Registry

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus builds an EventBus over an existing producer and consumer group.
// consumerGroup may be nil for publish-only processes.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *Config,
	registry *serialization.Registry,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if producer == nil {
		return nil, errors.New("producer is required for kafka event bus")
	}
	if metrics == nil {
		return nil, errors.New("metrics are required for kafka event bus")
	}
	if registry == nil {
		return nil, errors.New("serialization registry is required for kafka event bus")
	}

	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
		"service_type", cfg.ServiceType,
	)

	topicMap := map[events.EventType]string{
		domain.EventTypeAnalysisQueued:        cfg.QueueTopic,
		domain.EventTypeStateMachineCompleted: cfg.LifecycleTopic,
		domain.EventTypeStateMachineFailed:    cfg.LifecycleTopic,
		domain.EventTypeStateMachineIgnored:   cfg.LifecycleTopic,

		domain.EventTypeAnalysisRequested:           cfg.RequestTopic,
		domain.EventTypeAnalysisCompletionRequested: cfg.RequestTopic,
	}

	return &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		topicMap:      topicMap,
		registry:      registry,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
	}, nil
}

// Publish sends a domain event to the Kafka topic mapped to its type.
// TODO: retry transient broker errors (e.g. LEADER_NOT_AVAILABLE) before
// giving up on the event.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}
	if len(params.Headers) > 0 {
		event.Headers = params.Headers
	}

	domainEvent, ok := event.Payload.(events.DomainEvent)
	if !ok {
		err := fmt.Errorf("payload for event %s is %T, not a domain event", event.Type, event.Payload)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		b.metrics.IncPublishError(ctx, topic)
		return err
	}

	msgBytes, err := b.registry.Marshal(domainEvent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize payload")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	if err := b.publishToTopic(ctx, topic, event, msgBytes); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish")
		return err
	}

	return nil
}

// publishToTopic handles the actual publishing of a message to a single Kafka topic.
func (b *EventBus) publishToTopic(ctx context.Context, topic string, event events.EventEnvelope, msgBytes []byte) error {
	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	for k, v := range event.Headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	if !event.Timestamp.IsZero() {
		kafkaMsg.Timestamp = event.Timestamp
	}

	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
	)

	return nil
}

// Subscribe registers a handler function to process domain events from specified event types.
// It manages consumer group membership and message processing in a separate goroutine.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	_, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(
			attribute.String("component", "kafka_event_bus"),
		))
	defer span.End()

	if b.consumerGroup == nil {
		err := errors.New("subscribe: event bus has no consumer group")
		span.RecordError(err)
		span.SetStatus(codes.Error, "no consumer group")
		return err
	}

	var topics []string
	topicSet := make(map[string]struct{})
	wanted := make(map[events.EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			span.RecordError(fmt.Errorf("subscribe: unknown event type %s", et))
			span.SetStatus(codes.Error, "unknown event type")
			return fmt.Errorf("subscribe: unknown event type %s", et)
		}
		wanted[et] = struct{}{}
		if _, seen := topicSet[topic]; !seen {
			topicSet[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}

	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	go b.consumeLoop(ctx, topics, wanted, handler)
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)

	return nil
}

// consumeLoop maintains a continuous consumer group session for processing messages.
func (b *EventBus) consumeLoop(
	ctx context.Context,
	topics []string,
	wanted map[events.EventType]struct{},
	handler events.HandlerFunc,
) {
	cgHandler := &domainEventHandler{
		registry:    b.registry,
		wanted:      wanted,
		userHandler: handler,
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	}

	for {
		if err := b.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Close shuts down the producer and consumer group.
func (b *EventBus) Close() error {
	var errs []error
	if b.producer != nil {
		if err := b.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing producer: %w", err))
		}
	}
	if b.consumerGroup != nil {
		if err := b.consumerGroup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing consumer group: %w", err))
		}
	}
	return errors.Join(errs...)
}

// domainEventHandler implements sarama.ConsumerGroupHandler to process Kafka messages
// and convert them into domain events for the application.
type domainEventHandler struct {
	registry    *serialization.Registry
	wanted      map[events.EventType]struct{}
	userHandler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from an assigned partition, deserializing them into
// domain events and invoking the user-provided handler. Messages are marked once
// handled; undecodable messages are marked and skipped.
func (h *domainEventHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())
	consumeLogger.Info(sess.Context(), "Starting partition consumption", "member_id", sess.MemberID())

	for msg := range claim.Messages() {
		h.handleMessage(sess, msg, consumeLogger)
	}
	sess.Commit()
	return nil
}

func (h *domainEventHandler) handleMessage(
	sess sarama.ConsumerGroupSession,
	msg *sarama.ConsumerMessage,
	log *logger.Logger,
) {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	evt, err := h.registry.Unmarshal(msg.Value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode message")
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		log.Warn(msgCtx, "Dropping undecodable Kafka message", "offset", msg.Offset, "error", err)
		sess.MarkMessage(msg, "")
		return
	}

	if _, ok := h.wanted[evt.EventType()]; !ok {
		sess.MarkMessage(msg, "")
		return
	}

	headers := make(map[string]string, len(msg.Headers))
	for _, hdr := range msg.Headers {
		if hdr != nil {
			headers[string(hdr.Key)] = string(hdr.Value)
		}
	}

	envelope := events.EventEnvelope{
		Type:      evt.EventType(),
		Key:       string(msg.Key),
		Headers:   headers,
		Timestamp: evt.OccurredAt(),
		Payload:   evt,
	}
	if envelope.Timestamp.IsZero() {
		envelope.Timestamp = time.Now()
	}

	log.Debug(msgCtx, "Received Kafka message",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"event_type", envelope.Type,
		"key", envelope.Key,
	)

	if err := h.userHandler(msgCtx, envelope); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		log.Error(msgCtx, "Failed to handle Kafka message", "event_type", envelope.Type, "error", err)
	} else {
		h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
	}
	sess.MarkMessage(msg, "")
}
