package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/analysis-armada/internal/app/analysis"
	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/internal/infra/storage/analysis/memory"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
	"github.com/ahrav/analysis-armada/pkg/common/uuid"
)

type staticSubjects map[string]*domain.Subject

func (s staticSubjects) GetSubject(_ context.Context, id string) (*domain.Subject, error) {
	if subj, ok := s[id]; ok {
		return subj, nil
	}
	return nil, domain.ErrSubjectNotFound
}

// TestPipeline_LogAnalysisRunsBothSteps drives a log subject through cluster
// and analysis steps with a simulated worker completing each task.
func TestPipeline_LogAnalysisRunsBothSteps(t *testing.T) {
	ctx := context.Background()
	s := newSuite(DefaultConfig())
	store := memory.NewStore()
	tracer := noop.NewTracerProvider().Tracer("test")
	metrics, err := analysis.NewAnalysisMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	subjects := staticSubjects{"subject-1": {
		ID:     "subject-1",
		Kind:   domain.TaskKindLiveMonitoring,
		Method: domain.VerificationMethodLog,
	}}

	factory := analysis.NewStateMachineFactory(subjects, analysis.DefaultPolicy(), s.clock, logger.Noop(), tracer)
	machines := analysis.NewStateMachineService(store, NewExecutorRegistry(s.exec), nil,
		analysis.DefaultRetryPolicy(), s.clock, logger.Noop(), metrics, tracer)
	orchestration := analysis.NewOrchestrationService(store, store, factory, machines, nil,
		analysis.DefaultPolicy(), s.clock, logger.Noop(), metrics, tracer)

	tick := func() {
		t.Helper()
		orch, err := orchestration.GetAnalysisOrchestrator(ctx, "subject-1")
		require.NoError(t, err)
		require.NoError(t, orchestration.Orchestrate(ctx, orch))
	}
	latest := func() *domain.AnalysisStateMachine {
		t.Helper()
		m, err := store.GetLatestStateMachine(ctx, "subject-1")
		require.NoError(t, err)
		require.NotNil(t, m)
		return m
	}
	completeTask := func(m *domain.AnalysisStateMachine) {
		t.Helper()
		id := uuid.MustParse(m.CurrentState().WorkerTaskID)
		require.NoError(t, s.tasks.UpdateWorkerTaskStatus(ctx, id, domain.WorkerTaskSuccess, nil, ""))
	}

	require.NoError(t, orchestration.QueueAnalysis(ctx, testInput()))

	tick()
	m := latest()
	assert.Equal(t, domain.StatusRunning, m.Status())
	assert.Equal(t, domain.StateTypeServiceGuardLogCluster, m.CurrentState().Type)

	// Worker still busy: nothing changes.
	s.clock.Advance(time.Minute)
	tick()
	assert.Equal(t, domain.StateTypeServiceGuardLogCluster, latest().CurrentState().Type)

	completeTask(latest())
	tick()
	m = latest()
	assert.Equal(t, domain.StatusRunning, m.Status())
	assert.Equal(t, domain.StateTypeServiceGuardLogAnalysis, m.CurrentState().Type)
	assert.Len(t, m.CompletedStates(), 1)

	completeTask(m)
	tick()
	m = latest()
	assert.Equal(t, domain.StatusSuccess, m.Status())
	assert.Equal(t, domain.StatusSuccess, m.CurrentState().Status)
}
