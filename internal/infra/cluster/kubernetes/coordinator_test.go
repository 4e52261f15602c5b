package kubernetes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

func TestCoordinator_LeaderElection(t *testing.T) {
	cfg := &K8sConfig{
		Namespace:     "default",
		LeaderLockID:  "analysis-scheduler-lock",
		Identity:      "scheduler-0",
		LeaseDuration: 2 * time.Second,
		RenewDeadline: time.Second,
		RetryPeriod:   200 * time.Millisecond,
	}

	coord, err := newCoordinatorWithClient("scheduler-0", fake.NewSimpleClientset(), cfg, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)

	leaderCh := make(chan bool, 2)
	coord.OnLeadershipChange(func(isLeader bool) { leaderCh <- isLeader })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		assert.NoError(t, coord.Start(ctx))
		close(done)
	}()

	select {
	case isLeader := <-leaderCh:
		assert.True(t, isLeader)
	case <-ctx.Done():
		t.Fatal("timeout waiting for leadership")
	}

	require.NoError(t, coord.Stop())

	select {
	case isLeader := <-leaderCh:
		assert.False(t, isLeader)
	case <-ctx.Done():
		t.Fatal("timeout waiting for leadership loss")
	}
	<-done
}

func TestK8sConfigDefaults(t *testing.T) {
	cfg := (&K8sConfig{Namespace: "ns", LeaderLockID: "lock", Identity: "id"}).withDefaults()
	assert.Equal(t, 15*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 10*time.Second, cfg.RenewDeadline)
	assert.Equal(t, 2*time.Second, cfg.RetryPeriod)
}
