package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/pkg/common/uuid"
)

// The JSON shapes below are the stored form of states and queued machines.
// They are decoupled from the domain types so the domain can evolve without
// breaking rows already written.

type inputJSON struct {
	SubjectID string    `json:"subject_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type stateJSON struct {
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Inputs       inputJSON       `json:"inputs"`
	WorkerTaskID string          `json:"worker_task_id,omitempty"`
	RetryCount   int             `json:"retry_count"`
	Details      json.RawMessage `json:"details,omitempty"`
}

type machineJSON struct {
	ID                uuid.UUID   `json:"id"`
	SubjectID         string      `json:"subject_id"`
	AccountID         string      `json:"account_id"`
	AnalysisStartTime time.Time   `json:"analysis_start_time"`
	AnalysisEndTime   time.Time   `json:"analysis_end_time"`
	CurrentState      *stateJSON  `json:"current_state"`
	CompletedStates   []stateJSON `json:"completed_states"`
	Status            string      `json:"status"`
	IgnoreMinutes     int         `json:"ignore_minutes"`
	NextAttemptTime   time.Time   `json:"next_attempt_time"`
	TotalRetryCount   int         `json:"total_retry_count"`
	CreatedAt         time.Time   `json:"created_at"`
}

func toInputJSON(in domain.AnalysisInput) inputJSON {
	return inputJSON{SubjectID: in.SubjectID, StartTime: in.StartTime, EndTime: in.EndTime}
}

func (in inputJSON) toDomain() domain.AnalysisInput {
	return domain.AnalysisInput{SubjectID: in.SubjectID, StartTime: in.StartTime, EndTime: in.EndTime}
}

func toStateJSON(s *domain.AnalysisState) *stateJSON {
	if s == nil {
		return nil
	}
	return &stateJSON{
		Type:         s.Type.String(),
		Status:       s.Status.String(),
		Inputs:       toInputJSON(s.Inputs),
		WorkerTaskID: s.WorkerTaskID,
		RetryCount:   s.RetryCount,
		Details:      s.Details,
	}
}

func (s *stateJSON) toDomain() (*domain.AnalysisState, error) {
	if s == nil {
		return nil, nil
	}
	stateType, ok := domain.ParseStateType(s.Type)
	if !ok {
		return nil, fmt.Errorf("unknown state type %q", s.Type)
	}
	status, err := domain.ParseAnalysisStatus(s.Status)
	if err != nil {
		return nil, err
	}
	return &domain.AnalysisState{
		Type:         stateType,
		Status:       status,
		Inputs:       s.Inputs.toDomain(),
		WorkerTaskID: s.WorkerTaskID,
		RetryCount:   s.RetryCount,
		Details:      s.Details,
	}, nil
}

func marshalState(s *domain.AnalysisState) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(toStateJSON(s))
}

func unmarshalState(raw []byte) (*domain.AnalysisState, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s stateJSON
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return s.toDomain()
}

func marshalStates(states []*domain.AnalysisState) ([]byte, error) {
	out := make([]stateJSON, 0, len(states))
	for _, s := range states {
		out = append(out, *toStateJSON(s))
	}
	return json.Marshal(out)
}

func unmarshalStates(raw []byte) ([]*domain.AnalysisState, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var in []stateJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("failed to decode completed states: %w", err)
	}
	out := make([]*domain.AnalysisState, 0, len(in))
	for i := range in {
		s, err := in[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func marshalMachine(m *domain.AnalysisStateMachine) ([]byte, error) {
	completed := m.CompletedStates()
	mj := machineJSON{
		ID:                m.ID(),
		SubjectID:         m.SubjectID(),
		AccountID:         m.AccountID(),
		AnalysisStartTime: m.AnalysisStartTime(),
		AnalysisEndTime:   m.AnalysisEndTime(),
		CurrentState:      toStateJSON(m.CurrentState()),
		CompletedStates:   make([]stateJSON, 0, len(completed)),
		Status:            m.Status().String(),
		IgnoreMinutes:     m.IgnoreMinutes(),
		NextAttemptTime:   m.NextAttemptTime(),
		TotalRetryCount:   m.TotalRetryCount(),
		CreatedAt:         m.CreatedAt(),
	}
	for _, s := range completed {
		mj.CompletedStates = append(mj.CompletedStates, *toStateJSON(s))
	}
	return json.Marshal(mj)
}

func unmarshalMachine(raw []byte) (*domain.AnalysisStateMachine, error) {
	var mj machineJSON
	if err := json.Unmarshal(raw, &mj); err != nil {
		return nil, fmt.Errorf("failed to decode queued state machine: %w", err)
	}

	current, err := mj.CurrentState.toDomain()
	if err != nil {
		return nil, err
	}
	completed := make([]*domain.AnalysisState, 0, len(mj.CompletedStates))
	for i := range mj.CompletedStates {
		s, err := mj.CompletedStates[i].toDomain()
		if err != nil {
			return nil, err
		}
		completed = append(completed, s)
	}
	status, err := domain.ParseAnalysisStatus(mj.Status)
	if err != nil {
		return nil, err
	}

	return domain.ReconstructStateMachine(
		mj.ID,
		mj.SubjectID,
		mj.AccountID,
		mj.AnalysisStartTime,
		mj.AnalysisEndTime,
		current,
		completed,
		status,
		mj.IgnoreMinutes,
		mj.NextAttemptTime,
		mj.TotalRetryCount,
		mj.CreatedAt,
	), nil
}
