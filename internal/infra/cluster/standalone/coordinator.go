// Package standalone provides a Coordinator for single-replica deployments
// and local development: the process is always the leader.
package standalone

import (
	"context"
	"sync"

	"github.com/ahrav/analysis-armada/internal/app/cluster"
	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

var _ cluster.Coordinator = (*Coordinator)(nil)

// Coordinator reports leadership as soon as it starts.
type Coordinator struct {
	mu sync.Mutex
	cb func(isLeader bool)

	logger *logger.Logger
}

// NewCoordinator creates a standalone Coordinator.
func NewCoordinator(logger *logger.Logger) *Coordinator {
	return &Coordinator{logger: logger.With("component", "standalone_coordinator")}
}

// Start grants leadership and blocks until ctx is canceled, then revokes it.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info(ctx, "Running standalone; assuming leadership")
	c.notify(true)
	<-ctx.Done()
	c.notify(false)
	return nil
}

// Stop is a no-op; leadership ends with the Start context.
func (c *Coordinator) Stop() error { return nil }

// OnLeadershipChange registers the leadership callback.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

func (c *Coordinator) notify(isLeader bool) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(isLeader)
	}
}
