package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesServiceTraceAndAttributes(t *testing.T) {
	var buf bytes.Buffer
	traceIDFn := func(context.Context) string { return "trace-123" }

	log := NewWithMetadata(&buf, LevelDebug, "svc", traceIDFn, Events{}, map[string]string{"pod": "p-1"})
	log.With("component", "orchestration").Info(context.Background(), "ticked", "subject_id", "s-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ticked", rec["msg"])
	assert.Equal(t, "svc", rec["service"])
	assert.Equal(t, "p-1", rec["pod"])
	assert.Equal(t, "orchestration", rec["component"])
	assert.Equal(t, "s-1", rec["subject_id"])
	assert.Equal(t, "trace-123", rec["trace_id"])
}

func TestLoggerRespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn, "svc", nil)

	log.Info(context.Background(), "dropped")
	assert.Zero(t, buf.Len())

	log.Warn(context.Background(), "kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestLoggerErrorEvent(t *testing.T) {
	var buf bytes.Buffer
	var got Record
	events := Events{Error: func(_ context.Context, r Record) { got = r }}

	log := NewWithEvents(&buf, LevelInfo, "svc", nil, events)
	log.Error(context.Background(), "boom", "subject_id", "s-9")

	assert.Equal(t, "boom", got.Message)
	assert.Equal(t, "s-9", got.Attributes["subject_id"])
}

func TestLoggerContextAccumulates(t *testing.T) {
	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelInfo, "svc", nil))
	lc.Add("machine_id", "m-1")
	lc.Info(context.Background(), "step")

	assert.Contains(t, buf.String(), `"machine_id":"m-1"`)
}

func TestNoopDiscards(t *testing.T) {
	log := Noop()
	assert.Same(t, log, log.With("a", 1))
	log.Error(context.Background(), "nothing happens")
}
