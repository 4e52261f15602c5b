package analysis

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
)

// AnalysisMetrics records orchestration activity.
type AnalysisMetrics interface {
	IncAnalysisQueued(ctx context.Context)
	IncStateMachineInitiated(ctx context.Context)
	IncStateMachineIgnored(ctx context.Context, reason string)
	IncStateMachineFinished(ctx context.Context, status domain.AnalysisStatus)
	IncStateMachineRetried(ctx context.Context)
	IncOrchestrateErrors(ctx context.Context)
	IncQueueBacklogExceeded(ctx context.Context)
	ObserveQueueDepth(ctx context.Context, depth int)
	TrackTick(ctx context.Context, fn func() error) error
}

const namespace = "analysis_orchestration"

type analysisMetrics struct {
	analysesQueued        metric.Int64Counter
	stateMachinesStarted  metric.Int64Counter
	stateMachinesIgnored  metric.Int64Counter
	stateMachinesFinished metric.Int64Counter
	stateMachineRetries   metric.Int64Counter
	orchestrateErrors     metric.Int64Counter
	backlogExceeded       metric.Int64Counter
	queueDepth            metric.Int64Histogram
	tickDuration          metric.Float64Histogram
	tickErrors            metric.Int64Counter
}

// NewAnalysisMetrics creates the orchestration instruments on mp.
func NewAnalysisMetrics(mp metric.MeterProvider) (AnalysisMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(analysisMetrics)
	var err error

	if m.analysesQueued, err = meter.Int64Counter(
		"analyses_queued_total",
		metric.WithDescription("Total number of analysis windows queued"),
	); err != nil {
		return nil, err
	}

	if m.stateMachinesStarted, err = meter.Int64Counter(
		"state_machines_initiated_total",
		metric.WithDescription("Total number of state machines started"),
	); err != nil {
		return nil, err
	}

	if m.stateMachinesIgnored, err = meter.Int64Counter(
		"state_machines_ignored_total",
		metric.WithDescription("Total number of state machines ignored"),
	); err != nil {
		return nil, err
	}

	if m.stateMachinesFinished, err = meter.Int64Counter(
		"state_machines_finished_total",
		metric.WithDescription("Total number of state machines reaching a final status"),
	); err != nil {
		return nil, err
	}

	if m.stateMachineRetries, err = meter.Int64Counter(
		"state_machine_retries_total",
		metric.WithDescription("Total number of state machine retries"),
	); err != nil {
		return nil, err
	}

	if m.orchestrateErrors, err = meter.Int64Counter(
		"orchestrate_errors_total",
		metric.WithDescription("Total number of failed orchestrator ticks"),
	); err != nil {
		return nil, err
	}

	if m.backlogExceeded, err = meter.Int64Counter(
		"queue_backlog_exceeded_total",
		metric.WithDescription("Total number of ticks that observed a queue backlog"),
	); err != nil {
		return nil, err
	}

	if m.queueDepth, err = meter.Int64Histogram(
		"queue_depth",
		metric.WithDescription("Orchestrator queue length observed at tick time"),
	); err != nil {
		return nil, err
	}

	if m.tickDuration, err = meter.Float64Histogram(
		"tick_duration_seconds",
		metric.WithDescription("Time spent ticking all active orchestrators"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.tickErrors, err = meter.Int64Counter(
		"tick_errors_total",
		metric.WithDescription("Total number of scheduler ticks that failed"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *analysisMetrics) IncAnalysisQueued(ctx context.Context) {
	m.analysesQueued.Add(ctx, 1)
}

func (m *analysisMetrics) IncStateMachineInitiated(ctx context.Context) {
	m.stateMachinesStarted.Add(ctx, 1)
}

func (m *analysisMetrics) IncStateMachineIgnored(ctx context.Context, reason string) {
	m.stateMachinesIgnored.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *analysisMetrics) IncStateMachineFinished(ctx context.Context, status domain.AnalysisStatus) {
	m.stateMachinesFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
}

func (m *analysisMetrics) IncStateMachineRetried(ctx context.Context) {
	m.stateMachineRetries.Add(ctx, 1)
}

func (m *analysisMetrics) IncOrchestrateErrors(ctx context.Context) {
	m.orchestrateErrors.Add(ctx, 1)
}

func (m *analysisMetrics) IncQueueBacklogExceeded(ctx context.Context) {
	m.backlogExceeded.Add(ctx, 1)
}

func (m *analysisMetrics) ObserveQueueDepth(ctx context.Context, depth int) {
	m.queueDepth.Record(ctx, int64(depth))
}

func (m *analysisMetrics) TrackTick(ctx context.Context, fn func() error) error {
	start := time.Now()
	err := fn()
	m.tickDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		m.tickErrors.Add(ctx, 1)
	}
	return err
}
