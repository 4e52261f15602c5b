package analysis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/analysis-armada/internal/app/cluster"
	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/internal/infra/cluster/standalone"
	"github.com/ahrav/analysis-armada/internal/infra/storage/analysis/memory"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
	"github.com/ahrav/analysis-armada/pkg/common/timeutil"
)

// followerCoordinator never grants leadership.
type followerCoordinator struct{}

func (followerCoordinator) Start(ctx context.Context) error        { <-ctx.Done(); return nil }
func (followerCoordinator) Stop() error                            { return nil }
func (followerCoordinator) OnLeadershipChange(func(isLeader bool)) {}

var _ cluster.Coordinator = followerCoordinator{}

func newTestScheduler(
	t *testing.T,
	coord cluster.Coordinator,
	repo domain.OrchestratorRepository,
	orch SubjectOrchestrator,
	locker SubjectLocker,
	cfg SchedulerConfig,
) *Scheduler {
	t.Helper()
	metrics, err := NewAnalysisMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	return NewScheduler(
		"scheduler-test",
		coord,
		repo,
		orch,
		locker,
		cfg,
		&timeutil.Mock{CurrentTime: t0},
		logger.Noop(),
		metrics,
		noop.NewTracerProvider().Tracer("test"),
	)
}

func testSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Interval: 10 * time.Millisecond, Workers: 4, BatchSize: 100}
}

func orchestrators(ids ...string) []*domain.AnalysisOrchestrator {
	out := make([]*domain.AnalysisOrchestrator, len(ids))
	for i, id := range ids {
		out[i] = domain.NewAnalysisOrchestrator(id, "acct-1", t0.Add(time.Hour), t0)
	}
	return out
}

func bySubject(id string) any {
	return mock.MatchedBy(func(o *domain.AnalysisOrchestrator) bool { return o.SubjectID() == id })
}

func TestSchedulerTick_OrchestratesEverySubject(t *testing.T) {
	repo := new(mockOrchestratorRepository)
	orch := new(mockSubjectOrchestrator)
	repo.On("ListActiveOrchestrators", mock.Anything, 100).Return(orchestrators("a", "b", "c"), nil).Once()
	orch.On("Orchestrate", mock.Anything, bySubject("a")).Return(nil).Once()
	orch.On("Orchestrate", mock.Anything, bySubject("b")).Return(errors.New("boom")).Once()
	orch.On("Orchestrate", mock.Anything, bySubject("c")).Return(nil).Once()
	repo.On("TouchOrchestrators", mock.Anything, []string{"a", "b", "c"}).Return(nil).Once()

	s := newTestScheduler(t, followerCoordinator{}, repo, orch, memory.NewSubjectLocker(), testSchedulerConfig())

	require.NoError(t, s.Tick(context.Background()), "a failing subject does not fail the tick")
	orch.AssertExpectations(t)
	repo.AssertExpectations(t)
}

func TestSchedulerTick_ListError(t *testing.T) {
	repo := new(mockOrchestratorRepository)
	orch := new(mockSubjectOrchestrator)
	repo.On("ListActiveOrchestrators", mock.Anything, 100).Return(nil, errors.New("db down")).Once()

	s := newTestScheduler(t, followerCoordinator{}, repo, orch, memory.NewSubjectLocker(), testSchedulerConfig())

	err := s.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	orch.AssertNotCalled(t, "Orchestrate", mock.Anything, mock.Anything)
}

func TestSchedulerTick_SkipsLockedSubject(t *testing.T) {
	repo := new(mockOrchestratorRepository)
	orch := new(mockSubjectOrchestrator)
	locker := memory.NewSubjectLocker()
	repo.On("ListActiveOrchestrators", mock.Anything, 100).Return(orchestrators("a", "b"), nil).Once()
	repo.On("TouchOrchestrators", mock.Anything, []string{"a", "b"}).Return(nil).Once()
	orch.On("Orchestrate", mock.Anything, bySubject("b")).Return(nil).Once()

	unlock, acquired, err := locker.TryLock(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, acquired)
	defer unlock()

	s := newTestScheduler(t, followerCoordinator{}, repo, orch, locker, testSchedulerConfig())
	require.NoError(t, s.Tick(context.Background()))

	orch.AssertExpectations(t)
	orch.AssertNotCalled(t, "Orchestrate", mock.Anything, bySubject("a"))

	// The lock taken for "b" was released.
	unlockB, acquired, err := locker.TryLock(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, acquired)
	unlockB()
}

func TestSchedulerTick_PurgesPeriodically(t *testing.T) {
	repo := new(mockOrchestratorRepository)
	orch := new(mockSubjectOrchestrator)
	repo.On("ListActiveOrchestrators", mock.Anything, 100).Return(orchestrators(), nil).Times(4)
	repo.On("PurgeExpiredOrchestrators", mock.Anything, t0).Return(int64(3), nil).Twice()

	cfg := testSchedulerConfig()
	cfg.PurgeEvery = 2
	s := newTestScheduler(t, followerCoordinator{}, repo, orch, memory.NewSubjectLocker(), cfg)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Tick(context.Background()))
	}
	repo.AssertNumberOfCalls(t, "PurgeExpiredOrchestrators", 2)
}

func TestSchedulerTick_BatchSmallerThanActiveSetReachesEverySubject(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	subjects := []string{"subj-a", "subj-b", "subj-c"}
	for _, id := range subjects {
		in := domain.AnalysisInput{SubjectID: id, StartTime: t0.Add(-5 * time.Minute), EndTime: t0}
		require.NoError(t, store.UpsertOrchestratorAppend(ctx,
			domain.NewAnalysisOrchestrator(id, "acct-1", t0.Add(time.Hour), t0),
			domain.NewAnalysisStateMachine("acct-1", in,
				domain.NewAnalysisState(domain.StateTypeServiceGuardLogCluster, in), 180, t0),
		))
	}

	var mu sync.Mutex
	visits := make(map[string]int)
	orch := new(mockSubjectOrchestrator)
	orch.On("Orchestrate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			mu.Lock()
			defer mu.Unlock()
			visits[args.Get(1).(*domain.AnalysisOrchestrator).SubjectID()]++
		}).
		Return(nil)

	cfg := testSchedulerConfig()
	cfg.BatchSize = 1
	s := newTestScheduler(t, followerCoordinator{}, store, orch, memory.NewSubjectLocker(), cfg)

	for i := 0; i < 9; i++ {
		require.NoError(t, s.Tick(ctx))
	}

	assert.Equal(t, map[string]int{"subj-a": 3, "subj-b": 3, "subj-c": 3}, visits)
}

func TestSchedulerTick_RotateFailureDoesNotFailTick(t *testing.T) {
	repo := new(mockOrchestratorRepository)
	orch := new(mockSubjectOrchestrator)
	repo.On("ListActiveOrchestrators", mock.Anything, 100).Return(orchestrators("a"), nil).Once()
	repo.On("TouchOrchestrators", mock.Anything, []string{"a"}).Return(errors.New("db down")).Once()
	orch.On("Orchestrate", mock.Anything, bySubject("a")).Return(nil).Once()

	s := newTestScheduler(t, followerCoordinator{}, repo, orch, memory.NewSubjectLocker(), testSchedulerConfig())

	require.NoError(t, s.Tick(context.Background()))
	repo.AssertExpectations(t)
}

func TestSchedulerRun_TicksWhileLeader(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertOrchestratorAppend(ctx,
		domain.NewAnalysisOrchestrator(testSubject, "acct-1", t0.Add(time.Hour), t0),
		domain.NewAnalysisStateMachine("acct-1", domain.AnalysisInput{SubjectID: testSubject, StartTime: t0, EndTime: t0},
			domain.NewAnalysisState(domain.StateTypeServiceGuardLogCluster, domain.AnalysisInput{}), 180, t0),
	))

	var calls atomic.Int64
	orch := new(mockSubjectOrchestrator)
	orch.On("Orchestrate", mock.Anything, bySubject(testSubject)).
		Run(func(mock.Arguments) { calls.Add(1) }).
		Return(nil)

	s := newTestScheduler(t, standalone.NewCoordinator(logger.Noop()), store, orch, memory.NewSubjectLocker(), testSchedulerConfig())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerRun_FollowerDoesNotTick(t *testing.T) {
	repo := new(mockOrchestratorRepository)
	orch := new(mockSubjectOrchestrator)

	s := newTestScheduler(t, followerCoordinator{}, repo, orch, memory.NewSubjectLocker(), testSchedulerConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	repo.AssertNotCalled(t, "ListActiveOrchestrators", mock.Anything, mock.Anything)
	orch.AssertNotCalled(t, "Orchestrate", mock.Anything, mock.Anything)
}
