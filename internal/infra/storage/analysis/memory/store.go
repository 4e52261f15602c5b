// Package memory provides in-process implementations of the analysis
// repositories for single-replica runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/pkg/common/uuid"
)

var (
	_ domain.StateMachineRepository = (*Store)(nil)
	_ domain.OrchestratorRepository = (*Store)(nil)
)

type machineRecord struct {
	machine *domain.AnalysisStateMachine
	seq     int64
}

type orchestratorRecord struct {
	subjectID         string
	accountID         string
	status            domain.AnalysisStatus
	queue             []*domain.AnalysisStateMachine
	retentionDeadline time.Time
	createdAt         time.Time
	updatedAt         time.Time
	// touchSeq orders updates within a single clock reading.
	touchSeq int64
}

// Store keeps state machines and orchestrators in memory. Every method holds
// a single mutex, so each call is atomic. Values are deep-copied on the way
// in and out.
type Store struct {
	mu sync.Mutex

	seq           int64
	touches       int64
	machines      map[uuid.UUID]*machineRecord
	orchestrators map[string]*orchestratorRecord

	now func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		machines:      make(map[uuid.UUID]*machineRecord),
		orchestrators: make(map[string]*orchestratorRecord),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SaveStateMachine inserts or replaces machine by id. A machine keeps the
// insertion sequence of its first save.
func (s *Store) SaveStateMachine(_ context.Context, machine *domain.AnalysisStateMachine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if machine.Status() == domain.StatusRunning {
		for id, rec := range s.machines {
			if id != machine.ID() &&
				rec.machine.SubjectID() == machine.SubjectID() &&
				rec.machine.Status() == domain.StatusRunning {
				return fmt.Errorf("%w (subject_id: %s, running_machine_id: %s)",
					domain.ErrStateMachineAlreadyRunning, machine.SubjectID(), id)
			}
		}
	}

	if rec, ok := s.machines[machine.ID()]; ok {
		rec.machine = machine.Clone()
		return nil
	}
	s.seq++
	s.machines[machine.ID()] = &machineRecord{machine: machine.Clone(), seq: s.seq}
	return nil
}

// GetLatestStateMachine returns the subject's machine with the latest
// creation time, breaking ties by insertion order.
func (s *Store) GetLatestStateMachine(_ context.Context, subjectID string) (*domain.AnalysisStateMachine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *machineRecord
	for _, rec := range s.machines {
		if rec.machine.SubjectID() != subjectID {
			continue
		}
		if latest == nil || isLater(rec, latest) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.machine.Clone(), nil
}

func isLater(a, b *machineRecord) bool {
	ac, bc := a.machine.CreatedAt(), b.machine.CreatedAt()
	if !ac.Equal(bc) {
		return ac.After(bc)
	}
	return a.seq > b.seq
}

// UpsertOrchestratorAppend creates the orchestrator on first use and appends
// machine to its queue.
func (s *Store) UpsertOrchestratorAppend(
	_ context.Context,
	orch *domain.AnalysisOrchestrator,
	machine *domain.AnalysisStateMachine,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orchestrators[orch.SubjectID()]
	if !ok {
		rec = &orchestratorRecord{
			subjectID:         orch.SubjectID(),
			accountID:         orch.AccountID(),
			status:            orch.Status(),
			retentionDeadline: orch.RetentionDeadline(),
			createdAt:         orch.CreatedAt(),
		}
		s.orchestrators[orch.SubjectID()] = rec
	}
	rec.queue = append(rec.queue, machine.Clone())
	s.touch(rec, s.now())
	return nil
}

// PopFront removes and returns the oldest queued machine.
func (s *Store) PopFront(_ context.Context, subjectID string) (*domain.AnalysisStateMachine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orchestrators[subjectID]
	if !ok || len(rec.queue) == 0 {
		return nil, nil
	}
	front := rec.queue[0]
	rec.queue[0] = nil
	rec.queue = rec.queue[1:]
	s.touch(rec, s.now())
	return front, nil
}

// GetOrchestrator returns the orchestrator with a copy of its queue.
func (s *Store) GetOrchestrator(_ context.Context, subjectID string) (*domain.AnalysisOrchestrator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orchestrators[subjectID]
	if !ok {
		return nil, fmt.Errorf("%w (subject_id: %s)", domain.ErrOrchestratorNotFound, subjectID)
	}
	return rec.toDomain(), nil
}

// UpdateOrchestratorStatus sets one orchestrator's status. Unknown subjects
// are ignored.
func (s *Store) UpdateOrchestratorStatus(_ context.Context, subjectID string, status domain.AnalysisStatus) error {
	if err := domain.ValidateOrchestratorStatus(status); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.orchestrators[subjectID]; ok {
		rec.status = status
		s.touch(rec, s.now())
	}
	return nil
}

// UpdateOrchestratorStatuses sets the status of each listed orchestrator.
func (s *Store) UpdateOrchestratorStatuses(_ context.Context, subjectIDs []string, status domain.AnalysisStatus) error {
	if err := domain.ValidateOrchestratorStatus(status); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range subjectIDs {
		if rec, ok := s.orchestrators[id]; ok {
			rec.status = status
			s.touch(rec, now)
		}
	}
	return nil
}

// ListActiveOrchestrators returns non-COMPLETED orchestrators, least recently
// updated first.
func (s *Store) ListActiveOrchestrators(_ context.Context, limit int) ([]*domain.AnalysisOrchestrator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]*orchestratorRecord, 0, len(s.orchestrators))
	for _, rec := range s.orchestrators {
		if rec.status != domain.StatusCompleted {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].touchSeq < recs[j].touchSeq })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	out := make([]*domain.AnalysisOrchestrator, len(recs))
	for i, rec := range recs {
		out[i] = rec.toDomain()
	}
	return out, nil
}

// TouchOrchestrators marks each listed orchestrator as just updated so it
// moves to the back of ListActiveOrchestrators. Unknown subjects are ignored.
func (s *Store) TouchOrchestrators(_ context.Context, subjectIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range subjectIDs {
		if rec, ok := s.orchestrators[id]; ok {
			s.touch(rec, now)
		}
	}
	return nil
}

func (s *Store) touch(rec *orchestratorRecord, now time.Time) {
	s.touches++
	rec.updatedAt = now
	rec.touchSeq = s.touches
}

// PurgeExpiredOrchestrators deletes COMPLETED orchestrators past retention.
func (s *Store) PurgeExpiredOrchestrators(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.orchestrators {
		if rec.status == domain.StatusCompleted && rec.retentionDeadline.Before(before) {
			delete(s.orchestrators, id)
			n++
		}
	}
	return n, nil
}

func (r *orchestratorRecord) toDomain() *domain.AnalysisOrchestrator {
	queue := make([]*domain.AnalysisStateMachine, len(r.queue))
	for i, m := range r.queue {
		queue[i] = m.Clone()
	}
	return domain.ReconstructOrchestrator(
		r.subjectID,
		r.accountID,
		r.status,
		queue,
		r.retentionDeadline,
		r.createdAt,
		r.updatedAt,
	)
}
