package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/internal/infra/storage"
	"github.com/ahrav/analysis-armada/pkg/common/uuid"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupAnalysisTest(t *testing.T) (context.Context, *pgxpool.Pool, *stateMachineStore, *orchestratorStore, func()) {
	t.Helper()

	db, cleanup := storage.SetupTestContainer(t)
	machines := NewStateMachineStore(db, storage.NoOpTracer())
	orchestrators := NewOrchestratorStore(db, storage.NoOpTracer())

	return context.Background(), db, machines, orchestrators, cleanup
}

func createTestMachine(subjectID string, end, createdAt time.Time) *domain.AnalysisStateMachine {
	in := domain.AnalysisInput{SubjectID: subjectID, StartTime: end.Add(-5 * time.Minute), EndTime: end}
	first := domain.NewAnalysisState(domain.StateTypeServiceGuardLogCluster, in)
	first.Details = json.RawMessage(`{"cluster":"c-1"}`)
	return domain.NewAnalysisStateMachine("acct-1", in, first, 180, createdAt)
}

func createTestOrchestrator(subjectID string) *domain.AnalysisOrchestrator {
	return domain.NewAnalysisOrchestrator(subjectID, "acct-1", baseTime.Add(24*time.Hour), baseTime)
}

func TestStateMachineStore_SaveAndGetLatest(t *testing.T) {
	t.Parallel()
	ctx, _, machines, _, cleanup := setupAnalysisTest(t)
	defer cleanup()

	latest, err := machines.GetLatestStateMachine(ctx, "subject-1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	older := createTestMachine("subject-1", baseTime, baseTime)
	older.MarkSucceeded()
	require.NoError(t, machines.SaveStateMachine(ctx, older))

	newer := createTestMachine("subject-1", baseTime.Add(time.Minute), baseTime.Add(time.Minute))
	newer.Start("subject-1")
	newer.ArchiveCurrentState()
	newer.SetCurrentState(&domain.AnalysisState{
		Type:         domain.StateTypeServiceGuardLogAnalysis,
		Status:       domain.StatusRunning,
		Inputs:       newer.CurrentState().Inputs,
		WorkerTaskID: "task-7",
	})
	require.NoError(t, machines.SaveStateMachine(ctx, newer))

	got, err := machines.GetLatestStateMachine(ctx, "subject-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, newer.ID(), got.ID())
	assert.Equal(t, domain.StatusRunning, got.Status())
	assert.Equal(t, "acct-1", got.AccountID())
	assert.True(t, newer.AnalysisEndTime().Equal(got.AnalysisEndTime()))
	assert.Equal(t, domain.StateTypeServiceGuardLogAnalysis, got.CurrentState().Type)
	assert.Equal(t, "task-7", got.CurrentState().WorkerTaskID)
	require.Len(t, got.CompletedStates(), 1)
	assert.Equal(t, domain.StateTypeServiceGuardLogCluster, got.CompletedStates()[0].Type)
	assert.JSONEq(t, `{"cluster":"c-1"}`, string(got.CompletedStates()[0].Details))
	assert.True(t, got.NextAttemptTime().IsZero())
}

func TestStateMachineStore_SaveUpdatesInPlace(t *testing.T) {
	t.Parallel()
	ctx, _, machines, _, cleanup := setupAnalysisTest(t)
	defer cleanup()

	m := createTestMachine("subject-1", baseTime, baseTime)
	m.Start("subject-1")
	require.NoError(t, machines.SaveStateMachine(ctx, m))

	next := baseTime.Add(30 * time.Minute)
	m.CurrentState().Status = domain.StatusFailed
	require.NoError(t, m.MarkFailed(domain.StatusFailed, next))
	require.NoError(t, machines.SaveStateMachine(ctx, m))

	got, err := machines.GetLatestStateMachine(ctx, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status())
	assert.True(t, next.Equal(got.NextAttemptTime()))
}

func TestStateMachineStore_RejectsSecondRunningMachine(t *testing.T) {
	t.Parallel()
	ctx, _, machines, _, cleanup := setupAnalysisTest(t)
	defer cleanup()

	first := createTestMachine("subject-1", baseTime, baseTime)
	first.Start("subject-1")
	require.NoError(t, machines.SaveStateMachine(ctx, first))

	second := createTestMachine("subject-1", baseTime.Add(time.Minute), baseTime.Add(time.Minute))
	second.Start("subject-1")
	err := machines.SaveStateMachine(ctx, second)
	assert.ErrorIs(t, err, domain.ErrStateMachineAlreadyRunning)

	other := createTestMachine("subject-2", baseTime, baseTime)
	other.Start("subject-2")
	assert.NoError(t, machines.SaveStateMachine(ctx, other), "other subjects are unaffected")
}

func TestOrchestratorStore_AppendAndPopFront(t *testing.T) {
	t.Parallel()
	ctx, _, _, orchestrators, cleanup := setupAnalysisTest(t)
	defer cleanup()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		m := createTestMachine("subject-1", baseTime.Add(time.Duration(i)*time.Minute), baseTime)
		ids = append(ids, m.ID())
		require.NoError(t, orchestrators.UpsertOrchestratorAppend(ctx, createTestOrchestrator("subject-1"), m))
	}

	orch, err := orchestrators.GetOrchestrator(ctx, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, orch.Status())
	assert.True(t, baseTime.Add(24*time.Hour).Equal(orch.RetentionDeadline()))
	require.Equal(t, 3, orch.QueueLen())
	for i, m := range orch.Queue() {
		assert.Equal(t, ids[i], m.ID())
		assert.Equal(t, domain.StatusCreated, m.Status())
	}

	for _, want := range ids {
		m, err := orchestrators.PopFront(ctx, "subject-1")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, want, m.ID())
		assert.Equal(t, domain.StateTypeServiceGuardLogCluster, m.CurrentState().Type)
	}

	m, err := orchestrators.PopFront(ctx, "subject-1")
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = orchestrators.PopFront(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestOrchestratorStore_UpsertKeepsExistingIdentity(t *testing.T) {
	t.Parallel()
	ctx, _, _, orchestrators, cleanup := setupAnalysisTest(t)
	defer cleanup()

	require.NoError(t, orchestrators.UpsertOrchestratorAppend(ctx, createTestOrchestrator("subject-1"),
		createTestMachine("subject-1", baseTime, baseTime)))
	require.NoError(t, orchestrators.UpdateOrchestratorStatus(ctx, "subject-1", domain.StatusCompleted))

	later := domain.NewAnalysisOrchestrator("subject-1", "acct-other", baseTime.Add(48*time.Hour), baseTime.Add(time.Hour))
	require.NoError(t, orchestrators.UpsertOrchestratorAppend(ctx, later,
		createTestMachine("subject-1", baseTime.Add(time.Minute), baseTime)))

	orch, err := orchestrators.GetOrchestrator(ctx, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", orch.AccountID())
	assert.Equal(t, domain.StatusCompleted, orch.Status())
	assert.Equal(t, 2, orch.QueueLen())
}

func TestOrchestratorStore_GetNotFound(t *testing.T) {
	t.Parallel()
	ctx, _, _, orchestrators, cleanup := setupAnalysisTest(t)
	defer cleanup()

	_, err := orchestrators.GetOrchestrator(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrchestratorNotFound)
}

func TestOrchestratorStore_StatusUpdatesAndListing(t *testing.T) {
	t.Parallel()
	ctx, _, _, orchestrators, cleanup := setupAnalysisTest(t)
	defer cleanup()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, orchestrators.UpsertOrchestratorAppend(ctx, createTestOrchestrator(id),
			createTestMachine(id, baseTime, baseTime)))
	}

	require.NoError(t, orchestrators.UpdateOrchestratorStatuses(ctx, []string{"a", "c"}, domain.StatusCompleted))
	assert.Error(t, orchestrators.UpdateOrchestratorStatus(ctx, "b", domain.StatusFailed))

	active, err := orchestrators.ListActiveOrchestrators(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].SubjectID())
	assert.Equal(t, 1, active[0].QueueLen())

	require.NoError(t, orchestrators.UpdateOrchestratorStatus(ctx, "a", domain.StatusRunning))
	active, err = orchestrators.ListActiveOrchestrators(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestOrchestratorStore_TouchRotatesListing(t *testing.T) {
	t.Parallel()
	ctx, _, _, orchestrators, cleanup := setupAnalysisTest(t)
	defer cleanup()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, orchestrators.UpsertOrchestratorAppend(ctx, createTestOrchestrator(id),
			createTestMachine(id, baseTime, baseTime)))
	}

	seen := make(map[string]int)
	for i := 0; i < 3; i++ {
		batch, err := orchestrators.ListActiveOrchestrators(ctx, 1)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		seen[batch[0].SubjectID()]++
		require.NoError(t, orchestrators.TouchOrchestrators(ctx, []string{batch[0].SubjectID()}))
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)
}

func TestOrchestratorStore_PurgeExpired(t *testing.T) {
	t.Parallel()
	ctx, db, _, orchestrators, cleanup := setupAnalysisTest(t)
	defer cleanup()

	require.NoError(t, orchestrators.UpsertOrchestratorAppend(ctx, createTestOrchestrator("done"),
		createTestMachine("done", baseTime, baseTime)))
	require.NoError(t, orchestrators.UpsertOrchestratorAppend(ctx, createTestOrchestrator("live"),
		createTestMachine("live", baseTime, baseTime)))
	require.NoError(t, orchestrators.UpdateOrchestratorStatus(ctx, "done", domain.StatusCompleted))

	n, err := orchestrators.PurgeExpiredOrchestrators(ctx, baseTime.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = orchestrators.GetOrchestrator(ctx, "done")
	assert.ErrorIs(t, err, domain.ErrOrchestratorNotFound)
	_, err = orchestrators.GetOrchestrator(ctx, "live")
	assert.NoError(t, err)

	var queued int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM analysis_queue_items WHERE subject_id = 'done'`).Scan(&queued))
	assert.Zero(t, queued, "queue rows cascade")
}

func TestSubjectLocker_TryLock(t *testing.T) {
	t.Parallel()
	ctx, db, _, _, cleanup := setupAnalysisTest(t)
	defer cleanup()

	first := NewSubjectLocker(db, storage.NoOpTracer())
	second := NewSubjectLocker(db, storage.NoOpTracer())

	unlock, acquired, err := first.TryLock(ctx, "subject-1")
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = second.TryLock(ctx, "subject-1")
	require.NoError(t, err)
	assert.False(t, acquired, "held by another session")

	otherUnlock, acquired, err := second.TryLock(ctx, "subject-2")
	require.NoError(t, err)
	assert.True(t, acquired)
	otherUnlock()

	unlock()
	unlock()

	again, acquired, err := second.TryLock(ctx, "subject-1")
	require.NoError(t, err)
	assert.True(t, acquired)
	again()
}

func TestWorkerTaskStore_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx, db, _, _, cleanup := setupAnalysisTest(t)
	defer cleanup()

	tasks := NewWorkerTaskStore(db, storage.NoOpTracer())

	state := domain.NewAnalysisState(domain.StateTypeSLIMetricAnalysis, domain.AnalysisInput{
		SubjectID: "subject-1", StartTime: baseTime, EndTime: baseTime.Add(5 * time.Minute),
	})
	task := domain.NewWorkerTask("subject-1", state, baseTime.Add(time.Hour), baseTime)
	require.NoError(t, tasks.CreateWorkerTask(ctx, task))

	got, err := tasks.GetWorkerTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerTaskQueued, got.Status)
	assert.Equal(t, domain.StateTypeSLIMetricAnalysis, got.StateType)
	assert.True(t, state.Inputs.EndTime.Equal(got.Inputs.EndTime))
	assert.Empty(t, got.Error)

	require.NoError(t, tasks.UpdateWorkerTaskStatus(ctx, task.TaskID, domain.WorkerTaskFailed, nil, "oom"))
	got, err = tasks.GetWorkerTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerTaskFailed, got.Status)
	assert.Equal(t, "oom", got.Error)

	require.NoError(t, tasks.UpdateWorkerTaskStatus(ctx, task.TaskID, domain.WorkerTaskSuccess, json.RawMessage(`{"score":0.9}`), ""))
	got, err = tasks.GetWorkerTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":0.9}`, string(got.Result))
	assert.Empty(t, got.Error)

	_, err = tasks.GetWorkerTask(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrWorkerTaskNotFound)
	assert.ErrorIs(t, tasks.UpdateWorkerTaskStatus(ctx, uuid.New(), domain.WorkerTaskRunning, nil, ""), domain.ErrWorkerTaskNotFound)
}
