package analysis

import (
	"fmt"
	"time"

	"github.com/ahrav/analysis-armada/pkg/common/uuid"
)

// AnalysisStateMachine is the pipeline of states that processes one analysis
// window for one subject. A subject has at most one RUNNING machine.
type AnalysisStateMachine struct {
	id        uuid.UUID
	subjectID string
	accountID string

	analysisStartTime time.Time
	analysisEndTime   time.Time

	currentState    *AnalysisState
	completedStates []*AnalysisState

	status          AnalysisStatus
	ignoreMinutes   int
	nextAttemptTime time.Time
	totalRetryCount int

	createdAt time.Time
}

// NewAnalysisStateMachine creates a CREATED machine whose first step is first.
func NewAnalysisStateMachine(
	accountID string,
	input AnalysisInput,
	first *AnalysisState,
	ignoreMinutes int,
	createdAt time.Time,
) *AnalysisStateMachine {
	return &AnalysisStateMachine{
		id:                uuid.New(),
		subjectID:         input.SubjectID,
		accountID:         accountID,
		analysisStartTime: input.StartTime,
		analysisEndTime:   input.EndTime,
		currentState:      first,
		status:            StatusCreated,
		ignoreMinutes:     ignoreMinutes,
		createdAt:         createdAt,
	}
}

// ReconstructStateMachine rebuilds a machine from persisted fields.
func ReconstructStateMachine(
	id uuid.UUID,
	subjectID string,
	accountID string,
	analysisStartTime time.Time,
	analysisEndTime time.Time,
	currentState *AnalysisState,
	completedStates []*AnalysisState,
	status AnalysisStatus,
	ignoreMinutes int,
	nextAttemptTime time.Time,
	totalRetryCount int,
	createdAt time.Time,
) *AnalysisStateMachine {
	return &AnalysisStateMachine{
		id:                id,
		subjectID:         subjectID,
		accountID:         accountID,
		analysisStartTime: analysisStartTime,
		analysisEndTime:   analysisEndTime,
		currentState:      currentState,
		completedStates:   completedStates,
		status:            status,
		ignoreMinutes:     ignoreMinutes,
		nextAttemptTime:   nextAttemptTime,
		totalRetryCount:   totalRetryCount,
		createdAt:         createdAt,
	}
}

func (m *AnalysisStateMachine) ID() uuid.UUID                { return m.id }
func (m *AnalysisStateMachine) SubjectID() string            { return m.subjectID }
func (m *AnalysisStateMachine) AccountID() string            { return m.accountID }
func (m *AnalysisStateMachine) AnalysisStartTime() time.Time { return m.analysisStartTime }
func (m *AnalysisStateMachine) AnalysisEndTime() time.Time   { return m.analysisEndTime }
func (m *AnalysisStateMachine) CurrentState() *AnalysisState { return m.currentState }
func (m *AnalysisStateMachine) Status() AnalysisStatus       { return m.status }
func (m *AnalysisStateMachine) IgnoreMinutes() int           { return m.ignoreMinutes }
func (m *AnalysisStateMachine) NextAttemptTime() time.Time   { return m.nextAttemptTime }
func (m *AnalysisStateMachine) TotalRetryCount() int         { return m.totalRetryCount }
func (m *AnalysisStateMachine) CreatedAt() time.Time         { return m.createdAt }

// CompletedStates returns the states already passed through, oldest first.
func (m *AnalysisStateMachine) CompletedStates() []*AnalysisState {
	out := make([]*AnalysisState, len(m.completedStates))
	copy(out, m.completedStates)
	return out
}

// IsStale reports whether a machine that is not running has fallen more than
// ignoreMinutes behind now.
func (m *AnalysisStateMachine) IsStale(now time.Time) bool {
	if m.status == StatusRunning {
		return false
	}
	cutoff := now.Add(-time.Duration(m.ignoreMinutes) * time.Minute)
	return cutoff.After(m.analysisEndTime)
}

// Start binds the machine to subjectID and marks it RUNNING.
func (m *AnalysisStateMachine) Start(subjectID string) {
	m.subjectID = subjectID
	m.status = StatusRunning
}

// MarkIgnored discards the machine.
func (m *AnalysisStateMachine) MarkIgnored() { m.status = StatusIgnored }

// MarkSucceeded finishes the machine successfully.
func (m *AnalysisStateMachine) MarkSucceeded() { m.status = StatusSuccess }

// MarkFailed records a FAILED or TIMEOUT outcome and when it may be retried.
func (m *AnalysisStateMachine) MarkFailed(status AnalysisStatus, nextAttempt time.Time) error {
	if !status.IsFinalStateStatus() {
		return fmt.Errorf("machine %s cannot fail with status %s", m.id, status)
	}
	m.status = status
	m.nextAttemptTime = nextAttempt
	return nil
}

// ArchiveCurrentState appends the current state to the completed states.
func (m *AnalysisStateMachine) ArchiveCurrentState() {
	if m.currentState != nil {
		m.completedStates = append(m.completedStates, m.currentState)
	}
}

// SetCurrentState replaces the current state.
func (m *AnalysisStateMachine) SetCurrentState(s *AnalysisState) { m.currentState = s }

// RearmForRetry puts a failed machine back to RUNNING with rerun as its
// current state and counts the attempt.
func (m *AnalysisStateMachine) RearmForRetry(rerun *AnalysisState) {
	m.status = StatusRunning
	m.totalRetryCount++
	m.currentState = rerun
}

// Clone returns a deep copy of the machine so stores never share state with
// callers.
func (m *AnalysisStateMachine) Clone() *AnalysisStateMachine {
	if m == nil {
		return nil
	}
	c := *m
	c.currentState = m.currentState.Clone()
	c.completedStates = make([]*AnalysisState, len(m.completedStates))
	for i, s := range m.completedStates {
		c.completedStates[i] = s.Clone()
	}
	return &c
}
