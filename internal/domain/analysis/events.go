package analysis

import (
	"time"

	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/pkg/common/uuid"
)

const (
	EventTypeAnalysisQueued        events.EventType = "AnalysisQueued"
	EventTypeStateMachineCompleted events.EventType = "StateMachineCompleted"
	EventTypeStateMachineFailed    events.EventType = "StateMachineFailed"
	EventTypeStateMachineIgnored   events.EventType = "StateMachineIgnored"

	// Request events are produced outside the controller and consumed by it.
	EventTypeAnalysisRequested           events.EventType = "AnalysisRequested"
	EventTypeAnalysisCompletionRequested events.EventType = "AnalysisCompletionRequested"
)

// AnalysisQueuedEvent is emitted when a window is added to a subject's backlog.
type AnalysisQueuedEvent struct {
	occurredAt time.Time
	MachineID  uuid.UUID
	Input      AnalysisInput
}

// NewAnalysisQueuedEvent creates an AnalysisQueuedEvent.
func NewAnalysisQueuedEvent(machineID uuid.UUID, input AnalysisInput, occurredAt time.Time) AnalysisQueuedEvent {
	return AnalysisQueuedEvent{occurredAt: occurredAt, MachineID: machineID, Input: input}
}

func (e AnalysisQueuedEvent) EventType() events.EventType { return EventTypeAnalysisQueued }
func (e AnalysisQueuedEvent) OccurredAt() time.Time       { return e.occurredAt }

// StateMachineEvent describes a machine reaching SUCCESS, FAILED/TIMEOUT, or
// IGNORED. The concrete event type is carried in Kind.
type StateMachineEvent struct {
	occurredAt      time.Time
	kind            events.EventType
	MachineID       uuid.UUID
	SubjectID       string
	AccountID       string
	Status          AnalysisStatus
	StateType       StateType
	WindowStart     time.Time
	WindowEnd       time.Time
	TotalRetryCount int
	NextAttemptTime time.Time
}

func newStateMachineEvent(kind events.EventType, m *AnalysisStateMachine, occurredAt time.Time) StateMachineEvent {
	evt := StateMachineEvent{
		occurredAt:      occurredAt,
		kind:            kind,
		MachineID:       m.ID(),
		SubjectID:       m.SubjectID(),
		AccountID:       m.AccountID(),
		Status:          m.Status(),
		WindowStart:     m.AnalysisStartTime(),
		WindowEnd:       m.AnalysisEndTime(),
		TotalRetryCount: m.TotalRetryCount(),
		NextAttemptTime: m.NextAttemptTime(),
	}
	if cs := m.CurrentState(); cs != nil {
		evt.StateType = cs.Type
	}
	return evt
}

// NewStateMachineCompletedEvent reports a machine that finished with SUCCESS.
func NewStateMachineCompletedEvent(m *AnalysisStateMachine, occurredAt time.Time) StateMachineEvent {
	return newStateMachineEvent(EventTypeStateMachineCompleted, m, occurredAt)
}

// NewStateMachineFailedEvent reports a machine that ended in FAILED or TIMEOUT.
func NewStateMachineFailedEvent(m *AnalysisStateMachine, occurredAt time.Time) StateMachineEvent {
	return newStateMachineEvent(EventTypeStateMachineFailed, m, occurredAt)
}

// NewStateMachineIgnoredEvent reports a machine discarded as stale or after
// exhausting its retries.
func NewStateMachineIgnoredEvent(m *AnalysisStateMachine, occurredAt time.Time) StateMachineEvent {
	return newStateMachineEvent(EventTypeStateMachineIgnored, m, occurredAt)
}

// ReconstructStateMachineEvent rebuilds an event decoded from the wire.
func ReconstructStateMachineEvent(kind events.EventType, occurredAt time.Time, evt StateMachineEvent) StateMachineEvent {
	evt.kind = kind
	evt.occurredAt = occurredAt
	return evt
}

// ReconstructAnalysisQueuedEvent rebuilds an event decoded from the wire.
func ReconstructAnalysisQueuedEvent(occurredAt time.Time, evt AnalysisQueuedEvent) AnalysisQueuedEvent {
	evt.occurredAt = occurredAt
	return evt
}

func (e StateMachineEvent) EventType() events.EventType { return e.kind }
func (e StateMachineEvent) OccurredAt() time.Time       { return e.occurredAt }

// AnalysisRequestedEvent asks the controller to queue one window for a
// subject.
type AnalysisRequestedEvent struct {
	occurredAt time.Time
	Input      AnalysisInput
}

// NewAnalysisRequestedEvent creates an AnalysisRequestedEvent.
func NewAnalysisRequestedEvent(input AnalysisInput, occurredAt time.Time) AnalysisRequestedEvent {
	return AnalysisRequestedEvent{occurredAt: occurredAt, Input: input}
}

// ReconstructAnalysisRequestedEvent rebuilds an event decoded from the wire.
func ReconstructAnalysisRequestedEvent(occurredAt time.Time, evt AnalysisRequestedEvent) AnalysisRequestedEvent {
	evt.occurredAt = occurredAt
	return evt
}

func (e AnalysisRequestedEvent) EventType() events.EventType { return EventTypeAnalysisRequested }
func (e AnalysisRequestedEvent) OccurredAt() time.Time       { return e.occurredAt }

// AnalysisCompletionRequestedEvent asks the controller to close the
// orchestrators of the listed subjects.
type AnalysisCompletionRequestedEvent struct {
	occurredAt time.Time
	SubjectIDs []string
}

// NewAnalysisCompletionRequestedEvent creates an AnalysisCompletionRequestedEvent.
func NewAnalysisCompletionRequestedEvent(subjectIDs []string, occurredAt time.Time) AnalysisCompletionRequestedEvent {
	return AnalysisCompletionRequestedEvent{occurredAt: occurredAt, SubjectIDs: subjectIDs}
}

// ReconstructAnalysisCompletionRequestedEvent rebuilds an event decoded from
// the wire.
func ReconstructAnalysisCompletionRequestedEvent(
	occurredAt time.Time,
	evt AnalysisCompletionRequestedEvent,
) AnalysisCompletionRequestedEvent {
	evt.occurredAt = occurredAt
	return evt
}

func (e AnalysisCompletionRequestedEvent) EventType() events.EventType {
	return EventTypeAnalysisCompletionRequested
}
func (e AnalysisCompletionRequestedEvent) OccurredAt() time.Time { return e.occurredAt }
