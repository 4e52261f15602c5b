package eventdispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

func newTestDispatcher() *Dispatcher {
	return New(noop.NewTracerProvider().Tracer(""), logger.Noop())
}

func TestDispatchRoutesByType(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()

	var gotA, gotB []string
	d.RegisterHandler(ctx, "a", func(_ context.Context, evt events.EventEnvelope) error {
		gotA = append(gotA, evt.Key)
		return nil
	})
	d.RegisterHandler(ctx, "b", func(_ context.Context, evt events.EventEnvelope) error {
		gotB = append(gotB, evt.Key)
		return nil
	})

	require.NoError(t, d.Dispatch(ctx, events.EventEnvelope{Type: "a", Key: "s-1"}))
	require.NoError(t, d.Dispatch(ctx, events.EventEnvelope{Type: "b", Key: "s-2"}))
	require.NoError(t, d.Dispatch(ctx, events.EventEnvelope{Type: "a", Key: "s-3"}))

	assert.Equal(t, []string{"s-1", "s-3"}, gotA)
	assert.Equal(t, []string{"s-2"}, gotB)
	assert.ElementsMatch(t, []events.EventType{"a", "b"}, d.EventTypes())
}

func TestDispatchUnknownType(t *testing.T) {
	d := newTestDispatcher()

	err := d.Dispatch(context.Background(), events.EventEnvelope{Type: "missing", Key: "s-1"})

	var notFound *HandlerNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, events.EventType("missing"), notFound.EventType)
	assert.Equal(t, "s-1", notFound.Key)
}

func TestDispatchWrapsHandlerError(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()
	boom := errors.New("boom")
	d.RegisterHandler(ctx, "a", func(context.Context, events.EventEnvelope) error { return boom })

	err := d.Dispatch(ctx, events.EventEnvelope{Type: "a"})
	assert.ErrorIs(t, err, boom)
}

func TestRegisterHandlerReplaces(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()

	var calls []string
	d.RegisterHandler(ctx, "a", func(context.Context, events.EventEnvelope) error {
		calls = append(calls, "first")
		return nil
	})
	d.RegisterHandler(ctx, "a", func(context.Context, events.EventEnvelope) error {
		calls = append(calls, "second")
		return nil
	})

	require.NoError(t, d.Dispatch(ctx, events.EventEnvelope{Type: "a"}))
	assert.Equal(t, []string{"second"}, calls)
}

func TestConcurrentRegisterAndDispatch(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher()
	d.RegisterHandler(ctx, "a", func(context.Context, events.EventEnvelope) error { return nil })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.RegisterHandler(ctx, "a", func(context.Context, events.EventEnvelope) error { return nil })
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Dispatch(ctx, events.EventEnvelope{Type: "a"}))
		}()
	}
	wg.Wait()
}
