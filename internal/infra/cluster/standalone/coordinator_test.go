package standalone

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/analysis-armada/pkg/common/logger"
)

func TestStandaloneCoordinatorLeadsUntilCanceled(t *testing.T) {
	c := NewCoordinator(logger.Noop())
	changes := make(chan bool, 2)
	c.OnLeadershipChange(func(isLeader bool) { changes <- isLeader })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	select {
	case v := <-changes:
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("expected leadership")
	}

	cancel()
	require.NoError(t, <-done)
	assert.False(t, <-changes)
	assert.NoError(t, c.Stop())
}
