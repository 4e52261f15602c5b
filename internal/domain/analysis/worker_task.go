package analysis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ahrav/analysis-armada/pkg/common/uuid"
)

// WorkerTaskStatus is the progress of a task handed to an analysis worker.
type WorkerTaskStatus string

const (
	WorkerTaskQueued  WorkerTaskStatus = "QUEUED"
	WorkerTaskRunning WorkerTaskStatus = "RUNNING"
	WorkerTaskSuccess WorkerTaskStatus = "SUCCESS"
	WorkerTaskFailed  WorkerTaskStatus = "FAILED"
)

// WorkerTask is a unit of work for an out-of-process analysis worker. One
// task backs one attempt of one AnalysisState.
type WorkerTask struct {
	TaskID    uuid.UUID
	SubjectID string
	StateType StateType
	Status    WorkerTaskStatus
	Inputs    AnalysisInput
	Attempt   int
	Result    json.RawMessage
	Error     string
	Deadline  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewWorkerTask creates a QUEUED task for state that must finish before
// deadline.
func NewWorkerTask(subjectID string, state *AnalysisState, deadline, now time.Time) *WorkerTask {
	return &WorkerTask{
		TaskID:    uuid.New(),
		SubjectID: subjectID,
		StateType: state.Type,
		Status:    WorkerTaskQueued,
		Inputs:    state.Inputs,
		Attempt:   state.RetryCount,
		Deadline:  deadline,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsExpired reports whether an unfinished task has passed its deadline.
func (t *WorkerTask) IsExpired(now time.Time) bool {
	if t.Status == WorkerTaskSuccess || t.Status == WorkerTaskFailed {
		return false
	}
	return now.After(t.Deadline)
}

// WorkerTaskRepository persists worker tasks. Workers update task status out
// of band; the orchestration side only creates and reads them.
type WorkerTaskRepository interface {
	CreateWorkerTask(ctx context.Context, task *WorkerTask) error
	GetWorkerTask(ctx context.Context, taskID uuid.UUID) (*WorkerTask, error)
	UpdateWorkerTaskStatus(ctx context.Context, taskID uuid.UUID, status WorkerTaskStatus, result json.RawMessage, errMsg string) error
}
