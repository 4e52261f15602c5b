package analysis

import "time"

// AnalysisOrchestrator holds one subject's FIFO backlog of state machines.
type AnalysisOrchestrator struct {
	subjectID         string
	accountID         string
	status            AnalysisStatus
	queue             []*AnalysisStateMachine
	retentionDeadline time.Time
	createdAt         time.Time
	updatedAt         time.Time
}

// NewAnalysisOrchestrator creates a RUNNING orchestrator with an empty queue.
func NewAnalysisOrchestrator(subjectID, accountID string, retentionDeadline, now time.Time) *AnalysisOrchestrator {
	return &AnalysisOrchestrator{
		subjectID:         subjectID,
		accountID:         accountID,
		status:            StatusRunning,
		retentionDeadline: retentionDeadline,
		createdAt:         now,
		updatedAt:         now,
	}
}

// ReconstructOrchestrator rebuilds an orchestrator from persisted fields.
func ReconstructOrchestrator(
	subjectID string,
	accountID string,
	status AnalysisStatus,
	queue []*AnalysisStateMachine,
	retentionDeadline time.Time,
	createdAt time.Time,
	updatedAt time.Time,
) *AnalysisOrchestrator {
	return &AnalysisOrchestrator{
		subjectID:         subjectID,
		accountID:         accountID,
		status:            status,
		queue:             queue,
		retentionDeadline: retentionDeadline,
		createdAt:         createdAt,
		updatedAt:         updatedAt,
	}
}

func (o *AnalysisOrchestrator) SubjectID() string            { return o.subjectID }
func (o *AnalysisOrchestrator) AccountID() string            { return o.accountID }
func (o *AnalysisOrchestrator) Status() AnalysisStatus       { return o.status }
func (o *AnalysisOrchestrator) RetentionDeadline() time.Time { return o.retentionDeadline }
func (o *AnalysisOrchestrator) CreatedAt() time.Time         { return o.createdAt }
func (o *AnalysisOrchestrator) UpdatedAt() time.Time         { return o.updatedAt }
func (o *AnalysisOrchestrator) QueueLen() int                { return len(o.queue) }

// Queue returns the queued machines, front first.
func (o *AnalysisOrchestrator) Queue() []*AnalysisStateMachine {
	out := make([]*AnalysisStateMachine, len(o.queue))
	copy(out, o.queue)
	return out
}

// Front returns the first queued machine or nil.
func (o *AnalysisOrchestrator) Front() *AnalysisStateMachine {
	if len(o.queue) == 0 {
		return nil
	}
	return o.queue[0]
}
