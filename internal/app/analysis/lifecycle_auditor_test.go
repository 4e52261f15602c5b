package analysis

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

func TestLifecycleAuditorLogsOutcome(t *testing.T) {
	tests := []struct {
		name    string
		evtType events.EventType
		wantMsg string
		wantLvl string
	}{
		{"completed", domain.EventTypeStateMachineCompleted, "Analysis completed", "INFO"},
		{"failed", domain.EventTypeStateMachineFailed, "Analysis failed", "WARN"},
		{"ignored", domain.EventTypeStateMachineIgnored, "Analysis ignored", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			a := NewLifecycleAuditor(logger.New(&buf, logger.LevelDebug, "test", nil))

			err := a.HandleEvent(context.Background(), events.EventEnvelope{
				Type:    tt.evtType,
				Payload: domain.StateMachineEvent{SubjectID: "s-1", Status: domain.StatusSuccess},
			})
			require.NoError(t, err)

			out := buf.String()
			assert.Contains(t, out, tt.wantMsg)
			assert.Contains(t, out, `"level":"`+tt.wantLvl+`"`)
			assert.Contains(t, out, `"subject_id":"s-1"`)
		})
	}
}

func TestLifecycleAuditorRejectsForeignPayload(t *testing.T) {
	a := NewLifecycleAuditor(logger.Noop())

	err := a.HandleEvent(context.Background(), events.EventEnvelope{
		Type:    domain.EventTypeStateMachineCompleted,
		Payload: "not an event",
	})
	assert.Error(t, err)

	err = a.HandleEvent(context.Background(), events.EventEnvelope{
		Type:    domain.EventTypeAnalysisQueued,
		Payload: domain.StateMachineEvent{},
	})
	assert.Error(t, err)
}

func TestLifecycleAuditorEventTypes(t *testing.T) {
	a := NewLifecycleAuditor(logger.Noop())
	assert.ElementsMatch(t, []events.EventType{
		domain.EventTypeStateMachineCompleted,
		domain.EventTypeStateMachineFailed,
		domain.EventTypeStateMachineIgnored,
	}, a.EventTypes())
}
