package analysis

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/analysis-armada/internal/app/cluster"
	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
	"github.com/ahrav/analysis-armada/pkg/common"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
	"github.com/ahrav/analysis-armada/pkg/common/timeutil"
)

// SubjectOrchestrator runs one orchestration tick for a subject.
type SubjectOrchestrator interface {
	Orchestrate(ctx context.Context, orch *domain.AnalysisOrchestrator) error
}

// SubjectLocker hands out exclusive per-subject leases. TryLock never blocks:
// acquired is false when another holder has the subject.
type SubjectLocker interface {
	TryLock(ctx context.Context, subjectID string) (unlock func(), acquired bool, err error)
}

// SchedulerConfig controls the tick loop.
type SchedulerConfig struct {
	// Interval between ticks.
	Interval time.Duration
	// Workers bounds how many subjects are orchestrated in parallel.
	Workers int
	// BatchSize bounds how many active orchestrators one tick loads.
	BatchSize int
	// RatePerSecond paces Orchestrate calls; zero disables pacing.
	RatePerSecond float64
	// Burst is the limiter burst size.
	Burst int
	// PurgeEvery purges expired orchestrators every N ticks; zero disables it.
	PurgeEvery int
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:      30 * time.Second,
		Workers:       16,
		BatchSize:     1000,
		RatePerSecond: 50,
		Burst:         10,
		PurgeEvery:    120,
	}
}

// Scheduler periodically ticks every active orchestrator while this instance
// holds leadership. Distinct subjects run in parallel; a subject is never
// ticked twice at once because ticks do not overlap and each subject is
// locked for the duration of its tick.
type Scheduler struct {
	schedulerID   string
	coordinator   cluster.Coordinator
	orchestrators domain.OrchestratorRepository
	orchestrator  SubjectOrchestrator
	locker        SubjectLocker
	limiter       *common.RateLimiter
	cfg           SchedulerConfig
	clock         timeutil.Provider

	isLeader atomic.Bool
	ticks    atomic.Int64

	logger  *logger.Logger
	metrics AnalysisMetrics
	tracer  trace.Tracer
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	schedulerID string,
	coordinator cluster.Coordinator,
	orchestrators domain.OrchestratorRepository,
	orchestrator SubjectOrchestrator,
	locker SubjectLocker,
	cfg SchedulerConfig,
	clock timeutil.Provider,
	logger *logger.Logger,
	metrics AnalysisMetrics,
	tracer trace.Tracer,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scheduler{
		schedulerID:   schedulerID,
		coordinator:   coordinator,
		orchestrators: orchestrators,
		orchestrator:  orchestrator,
		locker:        locker,
		limiter:       common.NewRateLimiter(cfg.RatePerSecond, cfg.Burst),
		cfg:           cfg,
		clock:         clock,
		logger:        logger.With("component", "analysis_scheduler", "scheduler_id", schedulerID),
		metrics:       metrics,
		tracer:        tracer,
	}
}

// Run starts leader election and ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.coordinator.OnLeadershipChange(func(isLeader bool) {
		s.isLeader.Store(isLeader)
		s.logger.Info(ctx, "Leadership changed", "is_leader", isLeader)
	})

	coordErr := make(chan error, 1)
	go func() { coordErr <- s.coordinator.Start(ctx) }()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info(ctx, "Scheduler started", "interval", s.cfg.Interval, "workers", s.cfg.Workers)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Scheduler stopping")
			return nil
		case err := <-coordErr:
			if err != nil {
				return fmt.Errorf("coordinator stopped: %w", err)
			}
			coordErr = nil
		case <-ticker.C:
			if !s.isLeader.Load() {
				continue
			}
			if err := s.Tick(ctx); err != nil {
				s.logger.Error(ctx, "Scheduler tick failed", "error", err)
			}
		}
	}
}

// Stop releases leadership.
func (s *Scheduler) Stop() error {
	return s.coordinator.Stop()
}

// Tick orchestrates every active orchestrator once. A failure for one subject
// is logged and does not stop the others; only a failure to list
// orchestrators is returned.
func (s *Scheduler) Tick(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "analysis_scheduler.tick",
		trace.WithAttributes(attribute.String("scheduler_id", s.schedulerID)),
	)
	defer span.End()

	return s.metrics.TrackTick(ctx, func() error {
		active, err := s.orchestrators.ListActiveOrchestrators(ctx, s.cfg.BatchSize)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to list active orchestrators")
			return fmt.Errorf("failed to list active orchestrators: %w", err)
		}
		span.SetAttributes(attribute.Int("active_orchestrators", len(active)))

		var failed atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Workers)

		for _, orch := range active {
			g.Go(func() error {
				if err := s.tickSubject(gctx, orch); err != nil {
					failed.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
		s.rotate(ctx, active)

		if n := s.ticks.Add(1); s.cfg.PurgeEvery > 0 && n%int64(s.cfg.PurgeEvery) == 0 {
			s.purgeExpired(ctx)
		}

		span.SetAttributes(attribute.Int64("failed_subjects", failed.Load()))
		span.SetStatus(codes.Ok, "tick completed")
		return nil
	})
}

func (s *Scheduler) tickSubject(ctx context.Context, orch *domain.AnalysisOrchestrator) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	unlock, acquired, err := s.locker.TryLock(ctx, orch.SubjectID())
	if err != nil {
		s.logger.Warn(ctx, "failed to lock subject", "subject_id", orch.SubjectID(), "error", err)
		return err
	}
	if !acquired {
		s.logger.Debug(ctx, "Subject locked elsewhere, skipping", "subject_id", orch.SubjectID())
		return nil
	}
	defer unlock()

	// Orchestrate logs and counts its own failures.
	return s.orchestrator.Orchestrate(ctx, orch)
}

// rotate moves the subjects visited this tick behind the ones that were not,
// so a BatchSize smaller than the active set still reaches every subject.
func (s *Scheduler) rotate(ctx context.Context, visited []*domain.AnalysisOrchestrator) {
	if len(visited) == 0 {
		return
	}
	ids := make([]string, len(visited))
	for i, orch := range visited {
		ids[i] = orch.SubjectID()
	}
	if err := s.orchestrators.TouchOrchestrators(ctx, ids); err != nil {
		s.logger.Warn(ctx, "failed to rotate active orchestrators", "subjects", len(ids), "error", err)
	}
}

func (s *Scheduler) purgeExpired(ctx context.Context) {
	n, err := s.orchestrators.PurgeExpiredOrchestrators(ctx, s.clock.Now())
	if err != nil {
		s.logger.Warn(ctx, "failed to purge expired orchestrators", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info(ctx, "Purged expired orchestrators", "count", n)
	}
}
