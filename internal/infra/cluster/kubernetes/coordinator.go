// Package kubernetes elects a single analysis scheduler using a Kubernetes
// Lease.
package kubernetes

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/ahrav/analysis-armada/internal/app/cluster"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

var _ cluster.Coordinator = (*Coordinator)(nil)

// Coordinator runs lease-based leader election among scheduler replicas.
type Coordinator struct {
	schedulerID string

	client kubernetes.Interface
	config K8sConfig

	leaderElector *leaderelection.LeaderElector

	mu                 sync.RWMutex
	leadershipChangeCB func(isLeader bool)
	cancel             context.CancelFunc

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator builds a Coordinator against the cluster the process runs
// in, or the local kubeconfig.
func NewCoordinator(schedulerID string, cfg *K8sConfig, logger *logger.Logger, tracer trace.Tracer) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	client, err := getKubernetesClient()
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client for coordinator: %w", err)
	}

	return newCoordinatorWithClient(schedulerID, client, cfg, logger, tracer)
}

func newCoordinatorWithClient(
	schedulerID string,
	client kubernetes.Interface,
	cfg *K8sConfig,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Coordinator, error) {
	_, span := tracer.Start(context.Background(), "kubernetes_coordinator.new",
		trace.WithAttributes(attribute.String("scheduler_id", schedulerID)),
	)
	defer span.End()

	resolved := cfg.withDefaults()
	c := &Coordinator{
		schedulerID: schedulerID,
		client:      client,
		config:      resolved,
		logger: logger.With(
			"component", "kubernetes_coordinator",
			"namespace", resolved.Namespace,
			"leader_lock_id", resolved.LeaderLockID,
			"identity", resolved.Identity,
		),
		tracer: tracer,
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      resolved.LeaderLockID,
			Namespace: resolved.Namespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: resolved.Identity,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   resolved.LeaseDuration,
		RenewDeadline:   resolved.RenewDeadline,
		RetryPeriod:     resolved.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: c.onStartedLeading,
			OnStoppedLeading: c.onStoppedLeading,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create leader elector")
		return nil, fmt.Errorf("creating leader elector: %w", err)
	}
	c.leaderElector = elector
	span.AddEvent("leader_elector_created")

	return c, nil
}

// Start runs the election until ctx is canceled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info(ctx, "Starting leader elector")
	c.leaderElector.Run(ctx)
	return nil
}

// Stop cancels the election, releasing the lease.
func (c *Coordinator) Stop() error {
	c.mu.RLock()
	cancel := c.cancel
	c.mu.RUnlock()

	c.logger.Info(context.Background(), "Stopping leader elector")
	if cancel != nil {
		cancel()
	}
	return nil
}

// OnLeadershipChange registers the leadership callback.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leadershipChangeCB = cb
}

func (c *Coordinator) notify(isLeader bool) {
	c.mu.RLock()
	cb := c.leadershipChangeCB
	c.mu.RUnlock()
	if cb != nil {
		cb(isLeader)
	}
}

func (c *Coordinator) onStartedLeading(ctx context.Context) {
	_, span := c.tracer.Start(ctx, "kubernetes_coordinator.on_started_leading",
		trace.WithAttributes(attribute.String("scheduler_id", c.schedulerID)),
	)
	defer span.End()

	c.logger.Info(ctx, "became leader")
	span.AddEvent("became_leader")
	c.notify(true)
}

func (c *Coordinator) onStoppedLeading() {
	ctx, span := c.tracer.Start(context.Background(), "kubernetes_coordinator.on_stopped_leading",
		trace.WithAttributes(attribute.String("scheduler_id", c.schedulerID)),
	)
	defer span.End()

	c.logger.Info(ctx, "lost leadership")
	span.AddEvent("lost_leadership")
	c.notify(false)
}
