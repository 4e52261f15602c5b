package analysis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/internal/domain/events"
	"github.com/ahrav/analysis-armada/internal/infra/storage/analysis/memory"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
	"github.com/ahrav/analysis-armada/pkg/common/timeutil"
)

// mockExecutor is a testify mock of domain.AnalysisStateExecutor.
type mockExecutor struct{ mock.Mock }

// stateFn lets an expectation compute its return value from the input state.
type stateFn func(context.Context, *domain.AnalysisState) *domain.AnalysisState

func (m *mockExecutor) call(method string, ctx context.Context, s *domain.AnalysisState) (*domain.AnalysisState, error) {
	args := m.MethodCalled(method, ctx, s)
	switch v := args.Get(0).(type) {
	case nil:
		return nil, args.Error(1)
	case stateFn:
		return v(ctx, s), args.Error(1)
	default:
		return v.(*domain.AnalysisState), args.Error(1)
	}
}

func (m *mockExecutor) GetExecutionStatus(ctx context.Context, s *domain.AnalysisState) (domain.AnalysisStatus, error) {
	args := m.Called(ctx, s)
	return args.Get(0).(domain.AnalysisStatus), args.Error(1)
}

func (m *mockExecutor) Execute(ctx context.Context, s *domain.AnalysisState) (*domain.AnalysisState, error) {
	return m.call("Execute", ctx, s)
}

func (m *mockExecutor) HandleRunning(ctx context.Context, s *domain.AnalysisState) (*domain.AnalysisState, error) {
	return m.call("HandleRunning", ctx, s)
}

func (m *mockExecutor) HandleTransition(ctx context.Context, s *domain.AnalysisState) (*domain.AnalysisState, error) {
	return m.call("HandleTransition", ctx, s)
}

func (m *mockExecutor) HandleTimeout(ctx context.Context, s *domain.AnalysisState) (*domain.AnalysisState, error) {
	return m.call("HandleTimeout", ctx, s)
}

func (m *mockExecutor) HandleFailure(ctx context.Context, s *domain.AnalysisState) (*domain.AnalysisState, error) {
	return m.call("HandleFailure", ctx, s)
}

func (m *mockExecutor) HandleRetry(ctx context.Context, s *domain.AnalysisState) (*domain.AnalysisState, error) {
	return m.call("HandleRetry", ctx, s)
}

func (m *mockExecutor) HandleSuccess(ctx context.Context, s *domain.AnalysisState) (*domain.AnalysisState, error) {
	return m.call("HandleSuccess", ctx, s)
}

func (m *mockExecutor) HandleRerun(ctx context.Context, s *domain.AnalysisState) (*domain.AnalysisState, error) {
	return m.call("HandleRerun", ctx, s)
}

func (m *mockExecutor) HandleFinalStatuses(ctx context.Context, s *domain.AnalysisState) error {
	return m.Called(ctx, s).Error(0)
}

// mockSubjectOrchestrator is a testify mock of SubjectOrchestrator.
type mockSubjectOrchestrator struct{ mock.Mock }

func (m *mockSubjectOrchestrator) Orchestrate(ctx context.Context, orch *domain.AnalysisOrchestrator) error {
	return m.Called(ctx, orch).Error(0)
}

// mockOrchestratorRepository is a testify mock of domain.OrchestratorRepository.
type mockOrchestratorRepository struct{ mock.Mock }

func (m *mockOrchestratorRepository) UpsertOrchestratorAppend(ctx context.Context, o *domain.AnalysisOrchestrator, sm *domain.AnalysisStateMachine) error {
	return m.Called(ctx, o, sm).Error(0)
}

func (m *mockOrchestratorRepository) PopFront(ctx context.Context, subjectID string) (*domain.AnalysisStateMachine, error) {
	args := m.Called(ctx, subjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AnalysisStateMachine), args.Error(1)
}

func (m *mockOrchestratorRepository) GetOrchestrator(ctx context.Context, subjectID string) (*domain.AnalysisOrchestrator, error) {
	args := m.Called(ctx, subjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AnalysisOrchestrator), args.Error(1)
}

func (m *mockOrchestratorRepository) UpdateOrchestratorStatus(ctx context.Context, subjectID string, status domain.AnalysisStatus) error {
	return m.Called(ctx, subjectID, status).Error(0)
}

func (m *mockOrchestratorRepository) UpdateOrchestratorStatuses(ctx context.Context, subjectIDs []string, status domain.AnalysisStatus) error {
	return m.Called(ctx, subjectIDs, status).Error(0)
}

func (m *mockOrchestratorRepository) ListActiveOrchestrators(ctx context.Context, limit int) ([]*domain.AnalysisOrchestrator, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.AnalysisOrchestrator), args.Error(1)
}

func (m *mockOrchestratorRepository) TouchOrchestrators(ctx context.Context, subjectIDs []string) error {
	return m.Called(ctx, subjectIDs).Error(0)
}

func (m *mockOrchestratorRepository) PurgeExpiredOrchestrators(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// fakeSubjects is a map-backed SubjectProvider.
type fakeSubjects map[string]*domain.Subject

func (f fakeSubjects) GetSubject(_ context.Context, id string) (*domain.Subject, error) {
	s, ok := f[id]
	if !ok {
		return nil, domain.ErrSubjectNotFound
	}
	return s, nil
}

// recordingPublisher captures published domain events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (p *recordingPublisher) PublishDomainEvent(_ context.Context, evt events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType()
	}
	return out
}

func isType(t domain.StateType) any {
	return mock.MatchedBy(func(s *domain.AnalysisState) bool { return s != nil && s.Type == t })
}

func withStatus(s *domain.AnalysisState, status domain.AnalysisStatus) *domain.AnalysisState {
	c := s.Clone()
	c.Status = status
	return c
}

// returnWithStatus makes a handler return a copy of its input with status.
func returnWithStatus(status domain.AnalysisStatus) stateFn {
	return func(_ context.Context, s *domain.AnalysisState) *domain.AnalysisState { return withStatus(s, status) }
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testSubject = "subject-1"

type harness struct {
	store     *memory.Store
	clock     *timeutil.Mock
	subjects  fakeSubjects
	publisher *recordingPublisher
	exec      *mockExecutor
	next      *mockExecutor

	factory       *StateMachineFactory
	stateMachines *StateMachineService
	orchestration *OrchestrationService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	policy Policy
	retry  RetryPolicy
}

func withPolicy(p Policy) harnessOption     { return func(c *harnessConfig) { c.policy = p } }
func withRetry(r RetryPolicy) harnessOption { return func(c *harnessConfig) { c.retry = r } }

// newHarness wires real services over the memory store. h.exec drives
// SERVICE_GUARD_LOG_CLUSTER (the first state for testSubject) and h.next
// drives SERVICE_GUARD_LOG_ANALYSIS.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{policy: DefaultPolicy(), retry: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(&cfg)
	}

	metrics, err := NewAnalysisMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	tracer := noop.NewTracerProvider().Tracer("test")
	log := logger.Noop()

	h := &harness{
		store: memory.NewStore(),
		clock: &timeutil.Mock{CurrentTime: t0},
		subjects: fakeSubjects{
			testSubject: {ID: testSubject, AccountID: "acct-1", Kind: domain.TaskKindLiveMonitoring, Method: domain.VerificationMethodLog},
		},
		publisher: &recordingPublisher{},
		exec:      new(mockExecutor),
		next:      new(mockExecutor),
	}

	registry := domain.NewExecutorRegistry(map[domain.StateType]domain.AnalysisStateExecutor{
		domain.StateTypeServiceGuardLogCluster:  h.exec,
		domain.StateTypeServiceGuardLogAnalysis: h.next,
	})

	h.factory = NewStateMachineFactory(h.subjects, cfg.policy, h.clock, log, tracer)
	h.stateMachines = NewStateMachineService(h.store, registry, h.publisher, cfg.retry, h.clock, log, metrics, tracer)
	h.orchestration = NewOrchestrationService(h.store, h.store, h.factory, h.stateMachines, h.publisher, cfg.policy, h.clock, log, metrics, tracer)
	return h
}

// queueWindow queues a window ending at end and returns the queued machine id.
func (h *harness) queueWindow(t *testing.T, end time.Time) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.orchestration.QueueAnalysis(ctx, domain.AnalysisInput{
		SubjectID: testSubject,
		StartTime: end.Add(-5 * time.Minute),
		EndTime:   end,
	}))
	orch, err := h.store.GetOrchestrator(ctx, testSubject)
	require.NoError(t, err)
	q := orch.Queue()
	return q[len(q)-1].ID().String()
}

func (h *harness) orchestrator(t *testing.T) *domain.AnalysisOrchestrator {
	t.Helper()
	orch, err := h.store.GetOrchestrator(context.Background(), testSubject)
	require.NoError(t, err)
	return orch
}

func (h *harness) latest(t *testing.T) *domain.AnalysisStateMachine {
	t.Helper()
	m, err := h.store.GetLatestStateMachine(context.Background(), testSubject)
	require.NoError(t, err)
	return m
}

// startRunningMachine queues a fresh window and ticks once so it becomes the
// RUNNING machine on record.
func (h *harness) startRunningMachine(t *testing.T) *domain.AnalysisStateMachine {
	t.Helper()
	h.queueWindow(t, h.clock.Now().Add(-time.Minute))
	h.exec.On("Execute", mockAnything, isType(domain.StateTypeServiceGuardLogCluster)).
		Return(returnWithStatus(domain.StatusRunning), nil).Once()
	require.NoError(t, h.orchestration.Orchestrate(context.Background(), h.orchestrator(t)))

	m := h.latest(t)
	require.NotNil(t, m)
	require.Equal(t, domain.StatusRunning, m.Status())
	return m
}

var mockAnything = mock.Anything
