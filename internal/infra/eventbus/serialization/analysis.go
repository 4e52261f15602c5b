package serialization

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/pkg/common/uuid"
)

// NewAnalysisRegistry returns a Registry with every analysis lifecycle and
// request event registered.
func NewAnalysisRegistry() *Registry {
	r := NewRegistry()
	r.Register(domain.EventTypeAnalysisQueued, serializeAnalysisQueued, deserializeAnalysisQueued)
	r.Register(domain.EventTypeAnalysisRequested, serializeAnalysisRequested, deserializeAnalysisRequested)
	r.Register(domain.EventTypeAnalysisCompletionRequested,
		serializeAnalysisCompletionRequested, deserializeAnalysisCompletionRequested)
	for _, kind := range []events.EventType{
		domain.EventTypeStateMachineCompleted,
		domain.EventTypeStateMachineFailed,
		domain.EventTypeStateMachineIgnored,
	} {
		r.Register(kind, serializeStateMachineEvent, stateMachineDeserializer(kind))
	}
	return r
}

func serializeAnalysisQueued(payload events.DomainEvent) (*structpb.Struct, error) {
	evt, ok := payload.(domain.AnalysisQueuedEvent)
	if !ok {
		return nil, fmt.Errorf("payload is %T, not AnalysisQueuedEvent", payload)
	}
	return structpb.NewStruct(map[string]any{
		"machine_id": evt.MachineID.String(),
		"subject_id": evt.Input.SubjectID,
		"start_time": formatTime(evt.Input.StartTime),
		"end_time":   formatTime(evt.Input.EndTime),
	})
}

func deserializeAnalysisQueued(payload *structpb.Struct, occurredAt time.Time) (events.DomainEvent, error) {
	f := payload.GetFields()
	machineID, err := uuid.Parse(f["machine_id"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("parse machine_id: %w", err)
	}
	start, err := parseTime(f["start_time"])
	if err != nil {
		return nil, err
	}
	end, err := parseTime(f["end_time"])
	if err != nil {
		return nil, err
	}

	return domain.ReconstructAnalysisQueuedEvent(occurredAt, domain.AnalysisQueuedEvent{
		MachineID: machineID,
		Input: domain.AnalysisInput{
			SubjectID: f["subject_id"].GetStringValue(),
			StartTime: start,
			EndTime:   end,
		},
	}), nil
}

func serializeAnalysisRequested(payload events.DomainEvent) (*structpb.Struct, error) {
	evt, ok := payload.(domain.AnalysisRequestedEvent)
	if !ok {
		return nil, fmt.Errorf("payload is %T, not AnalysisRequestedEvent", payload)
	}
	return structpb.NewStruct(map[string]any{
		"subject_id": evt.Input.SubjectID,
		"start_time": formatTime(evt.Input.StartTime),
		"end_time":   formatTime(evt.Input.EndTime),
	})
}

func deserializeAnalysisRequested(payload *structpb.Struct, occurredAt time.Time) (events.DomainEvent, error) {
	f := payload.GetFields()
	start, err := parseTime(f["start_time"])
	if err != nil {
		return nil, err
	}
	end, err := parseTime(f["end_time"])
	if err != nil {
		return nil, err
	}

	return domain.ReconstructAnalysisRequestedEvent(occurredAt, domain.AnalysisRequestedEvent{
		Input: domain.AnalysisInput{
			SubjectID: f["subject_id"].GetStringValue(),
			StartTime: start,
			EndTime:   end,
		},
	}), nil
}

func serializeAnalysisCompletionRequested(payload events.DomainEvent) (*structpb.Struct, error) {
	evt, ok := payload.(domain.AnalysisCompletionRequestedEvent)
	if !ok {
		return nil, fmt.Errorf("payload is %T, not AnalysisCompletionRequestedEvent", payload)
	}
	ids := make([]any, len(evt.SubjectIDs))
	for i, id := range evt.SubjectIDs {
		ids[i] = id
	}
	return structpb.NewStruct(map[string]any{"subject_ids": ids})
}

func deserializeAnalysisCompletionRequested(payload *structpb.Struct, occurredAt time.Time) (events.DomainEvent, error) {
	values := payload.GetFields()["subject_ids"].GetListValue().GetValues()
	ids := make([]string, 0, len(values))
	for _, v := range values {
		ids = append(ids, v.GetStringValue())
	}
	return domain.ReconstructAnalysisCompletionRequestedEvent(occurredAt,
		domain.AnalysisCompletionRequestedEvent{SubjectIDs: ids}), nil
}

func serializeStateMachineEvent(payload events.DomainEvent) (*structpb.Struct, error) {
	evt, ok := payload.(domain.StateMachineEvent)
	if !ok {
		return nil, fmt.Errorf("payload is %T, not StateMachineEvent", payload)
	}
	return structpb.NewStruct(map[string]any{
		"machine_id":        evt.MachineID.String(),
		"subject_id":        evt.SubjectID,
		"account_id":        evt.AccountID,
		"status":            evt.Status.ProtoString(),
		"state_type":        evt.StateType.String(),
		"window_start":      formatTime(evt.WindowStart),
		"window_end":        formatTime(evt.WindowEnd),
		"total_retry_count": evt.TotalRetryCount,
		"next_attempt_time": formatTime(evt.NextAttemptTime),
	})
}

func stateMachineDeserializer(kind events.EventType) DeserializeFunc {
	return func(payload *structpb.Struct, occurredAt time.Time) (events.DomainEvent, error) {
		f := payload.GetFields()
		machineID, err := uuid.Parse(f["machine_id"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("parse machine_id: %w", err)
		}
		status, err := domain.ParseAnalysisStatus(f["status"].GetStringValue())
		if err != nil {
			return nil, err
		}

		evt := domain.StateMachineEvent{
			MachineID:       machineID,
			SubjectID:       f["subject_id"].GetStringValue(),
			AccountID:       f["account_id"].GetStringValue(),
			Status:          status,
			StateType:       domain.StateType(f["state_type"].GetStringValue()),
			TotalRetryCount: int(f["total_retry_count"].GetNumberValue()),
		}
		if evt.WindowStart, err = parseTime(f["window_start"]); err != nil {
			return nil, err
		}
		if evt.WindowEnd, err = parseTime(f["window_end"]); err != nil {
			return nil, err
		}
		if evt.NextAttemptTime, err = parseTime(f["next_attempt_time"]); err != nil {
			return nil, err
		}

		return domain.ReconstructStateMachineEvent(kind, occurredAt, evt), nil
	}
}

// formatTime encodes zero times as an empty string.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v *structpb.Value) (time.Time, error) {
	s := v.GetStringValue()
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
