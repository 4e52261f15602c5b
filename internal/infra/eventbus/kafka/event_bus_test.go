package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
	"github.com/ahrav/analysis-armada/pkg/common/uuid"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *Config {
	return &Config{
		Brokers:        []string{"localhost:9092"},
		QueueTopic:     "analysis-queue",
		LifecycleTopic: "analysis-lifecycle",
		RequestTopic:   "analysis-requests",
		GroupID:        "controller",
		ClientID:       "controller-1",
		ServiceType:    "controller",
	}
}

func newTestBus(t *testing.T, producer sarama.SyncProducer) *EventBus {
	t.Helper()
	metrics, err := NewEventBusMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	bus, err := NewEventBus(
		producer,
		nil,
		testConfig(),
		serialization.NewAnalysisRegistry(),
		logger.Noop(),
		metrics,
		tracenoop.NewTracerProvider().Tracer("test"),
	)
	require.NoError(t, err)
	return bus
}

func queuedEvent() domain.AnalysisQueuedEvent {
	return domain.NewAnalysisQueuedEvent(uuid.New(), domain.AnalysisInput{
		SubjectID: "subject-1",
		StartTime: testTime.Add(-5 * time.Minute),
		EndTime:   testTime,
	}, testTime)
}

func TestEventBus_PublishRoutesByEventType(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	bus := newTestBus(t, producer)
	registry := serialization.NewAnalysisRegistry()
	evt := queuedEvent()

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "analysis-queue" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "subject-1" {
			return errors.New("wrong key " + string(key))
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		decoded, err := registry.Unmarshal(value)
		if err != nil {
			return err
		}
		if decoded.EventType() != domain.EventTypeAnalysisQueued {
			return errors.New("wrong event type")
		}
		return nil
	})

	err := bus.Publish(context.Background(), events.EventEnvelope{
		Type:      evt.EventType(),
		Timestamp: evt.OccurredAt(),
		Payload:   evt,
	}, events.WithKey("subject-1"))
	require.NoError(t, err)
	require.NoError(t, producer.Close())
}

func TestEventBus_PublishLifecycleEventsShareTopic(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	bus := newTestBus(t, producer)

	m := domain.NewAnalysisStateMachine("acct",
		domain.AnalysisInput{SubjectID: "subject-1", StartTime: testTime.Add(-5 * time.Minute), EndTime: testTime},
		domain.NewAnalysisState(domain.StateTypeServiceGuardTimeSeries, domain.AnalysisInput{}),
		180, testTime)

	lifecycle := []events.DomainEvent{
		domain.NewStateMachineCompletedEvent(m, testTime),
		domain.NewStateMachineFailedEvent(m, testTime),
		domain.NewStateMachineIgnoredEvent(m, testTime),
	}
	for range lifecycle {
		producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			if msg.Topic != "analysis-lifecycle" {
				return errors.New("wrong topic " + msg.Topic)
			}
			return nil
		})
	}

	for _, evt := range lifecycle {
		err := bus.Publish(context.Background(), events.EventEnvelope{Type: evt.EventType(), Payload: evt})
		require.NoError(t, err)
	}
	require.NoError(t, producer.Close())
}

func TestEventBus_PublishRequestsToRequestTopic(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	bus := newTestBus(t, producer)

	requests := []events.DomainEvent{
		domain.NewAnalysisRequestedEvent(domain.AnalysisInput{
			SubjectID: "subject-1",
			StartTime: testTime.Add(-5 * time.Minute),
			EndTime:   testTime,
		}, testTime),
		domain.NewAnalysisCompletionRequestedEvent([]string{"subject-1"}, testTime),
	}
	for range requests {
		producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			if msg.Topic != "analysis-requests" {
				return errors.New("wrong topic " + msg.Topic)
			}
			return nil
		})
	}

	for _, evt := range requests {
		err := bus.Publish(context.Background(), events.EventEnvelope{Type: evt.EventType(), Payload: evt})
		require.NoError(t, err)
	}
	require.NoError(t, producer.Close())
}

func TestEventBus_PublishCarriesHeaders(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	bus := newTestBus(t, producer)
	evt := queuedEvent()

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		for _, h := range msg.Headers {
			if string(h.Key) == "origin" && string(h.Value) == "api" {
				return nil
			}
		}
		return errors.New("origin header missing")
	})

	err := bus.Publish(context.Background(),
		events.EventEnvelope{Type: evt.EventType(), Payload: evt},
		events.WithHeaders(map[string]string{"origin": "api"}),
	)
	require.NoError(t, err)
	require.NoError(t, producer.Close())
}

func TestEventBus_PublishUnknownEventType(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	bus := newTestBus(t, producer)

	err := bus.Publish(context.Background(), events.EventEnvelope{Type: "Unknown"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no topic mapped")
	require.NoError(t, producer.Close())
}

func TestEventBus_PublishRejectsNonDomainPayload(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	bus := newTestBus(t, producer)

	err := bus.Publish(context.Background(), events.EventEnvelope{
		Type:    domain.EventTypeAnalysisQueued,
		Payload: "not an event",
	})
	require.Error(t, err)
	require.NoError(t, producer.Close())
}

func TestEventBus_PublishSendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	bus := newTestBus(t, producer)
	evt := queuedEvent()

	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)

	err := bus.Publish(context.Background(), events.EventEnvelope{Type: evt.EventType(), Payload: evt})
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrLeaderNotAvailable)
	require.NoError(t, producer.Close())
}

func TestEventBus_SubscribeWithoutConsumerGroup(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	bus := newTestBus(t, producer)

	err := bus.Subscribe(context.Background(), []events.EventType{domain.EventTypeAnalysisQueued},
		func(context.Context, events.EventEnvelope) error { return nil })
	require.Error(t, err)
	require.NoError(t, bus.Close())
}

func TestNewEventBus_RequiresDependencies(t *testing.T) {
	metrics, err := NewEventBusMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	tracer := tracenoop.NewTracerProvider().Tracer("test")

	_, err = NewEventBus(nil, nil, testConfig(), serialization.NewAnalysisRegistry(), logger.Noop(), metrics, tracer)
	assert.Error(t, err)

	producer := mocks.NewSyncProducer(t, nil)
	_, err = NewEventBus(producer, nil, testConfig(), serialization.NewAnalysisRegistry(), logger.Noop(), nil, tracer)
	assert.Error(t, err)
	_, err = NewEventBus(producer, nil, testConfig(), nil, logger.Noop(), metrics, tracer)
	assert.Error(t, err)
	require.NoError(t, producer.Close())
}
