package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/analysis-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/analysis-armada/pkg/common"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

// NewClient creates a Kafka client with the settings shared by the producer
// and the consumer group.
func NewClient(cfg *Config) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Producer settings; keys are subject ids so a subject's events stay ordered.
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

// ConnectEventBus dials Kafka and builds an EventBus, retrying with backoff
// until maxElapsed passes or ctx is canceled.
func ConnectEventBus(
	ctx context.Context,
	cfg *Config,
	registry *serialization.Registry,
	maxElapsed time.Duration,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	var bus *EventBus

	connect := func(ctx context.Context) error {
		client, err := NewClient(cfg)
		if err != nil {
			return fmt.Errorf("creating client: %w", err)
		}

		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			client.Close()
			return fmt.Errorf("creating producer: %w", err)
		}

		consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			producer.Close()
			client.Close()
			return fmt.Errorf("creating consumer group: %w", err)
		}

		bus, err = NewEventBus(producer, consumerGroup, cfg, registry, logger, metrics, tracer)
		if err != nil {
			producer.Close()
			consumerGroup.Close()
			client.Close()
			return fmt.Errorf("creating event bus: %w", err)
		}
		return nil
	}

	if err := common.ConnectWithRetry(ctx, logger, "kafka", maxElapsed, connect); err != nil {
		return nil, fmt.Errorf("failed to connect event bus after retries: %w", err)
	}
	return bus, nil
}
