package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

const (
	typeA events.EventType = "A"
	typeB events.EventType = "B"
)

func TestBus_DeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus(logger.Noop())
	ctx := context.Background()

	var gotA, gotB atomic.Int32
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{typeA}, func(_ context.Context, e events.EventEnvelope) error {
		assert.Equal(t, "subject-1", e.Key)
		gotA.Add(1)
		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{typeB}, func(context.Context, events.EventEnvelope) error {
		gotB.Add(1)
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA}, events.WithKey("subject-1")))

	assert.Equal(t, int32(1), gotA.Load())
	assert.Equal(t, int32(0), gotB.Load())
}

func TestBus_HandlerErrorsAreReturned(t *testing.T) {
	bus := NewBus(logger.Noop())
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope) error {
		return boom
	}))

	err := bus.Publish(ctx, events.EventEnvelope{Type: typeA})
	assert.ErrorIs(t, err, boom)
}

func TestBus_UnsubscribesWhenContextEnds(t *testing.T) {
	bus := NewBus(logger.Noop())
	subCtx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(subCtx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope) error {
		calls.Add(1)
		return nil
	}))
	cancel()

	assert.Eventually(t, func() bool {
		_ = bus.Publish(context.Background(), events.EventEnvelope{Type: typeA})
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subs) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestBus_Validation(t *testing.T) {
	bus := NewBus(logger.Noop())
	ctx := context.Background()

	assert.Error(t, bus.Subscribe(ctx, []events.EventType{typeA}, nil))
	assert.Error(t, bus.Subscribe(ctx, nil, func(context.Context, events.EventEnvelope) error { return nil }))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, bus.Publish(canceled, events.EventEnvelope{Type: typeA}), context.Canceled)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(logger.Noop())
	require.NoError(t, bus.Close())

	ctx := context.Background()
	assert.ErrorIs(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA}), ErrClosed)
	assert.ErrorIs(t, bus.Subscribe(ctx, []events.EventType{typeA},
		func(context.Context, events.EventEnvelope) error { return nil }), ErrClosed)
}
