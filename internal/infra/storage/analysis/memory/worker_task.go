package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/pkg/common/uuid"
)

var _ domain.WorkerTaskRepository = (*WorkerTaskStore)(nil)

// WorkerTaskStore keeps worker tasks in memory.
type WorkerTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.WorkerTask
	now   func() time.Time
}

// NewWorkerTaskStore creates an empty WorkerTaskStore.
func NewWorkerTaskStore() *WorkerTaskStore {
	return &WorkerTaskStore{
		tasks: make(map[uuid.UUID]*domain.WorkerTask),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func cloneTask(t *domain.WorkerTask) *domain.WorkerTask {
	c := *t
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}

// CreateWorkerTask stores task. Task ids must be unique.
func (s *WorkerTaskStore) CreateWorkerTask(_ context.Context, task *domain.WorkerTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.TaskID]; exists {
		return fmt.Errorf("worker task %s already exists", task.TaskID)
	}
	s.tasks[task.TaskID] = cloneTask(task)
	return nil
}

// GetWorkerTask returns a copy of the task or ErrWorkerTaskNotFound.
func (s *WorkerTaskStore) GetWorkerTask(_ context.Context, taskID uuid.UUID) (*domain.WorkerTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkerTaskNotFound, taskID)
	}
	return cloneTask(t), nil
}

// UpdateWorkerTaskStatus records the worker's progress on a task.
func (s *WorkerTaskStore) UpdateWorkerTaskStatus(
	_ context.Context,
	taskID uuid.UUID,
	status domain.WorkerTaskStatus,
	result json.RawMessage,
	errMsg string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrWorkerTaskNotFound, taskID)
	}
	t.Status = status
	if result != nil {
		t.Result = append(json.RawMessage(nil), result...)
	}
	t.Error = errMsg
	t.UpdatedAt = s.now()
	return nil
}
