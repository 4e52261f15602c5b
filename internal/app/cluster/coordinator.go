// Package cluster defines how analysis schedulers agree on a single active
// instance.
package cluster

import "context"

// Coordinator elects one leader among scheduler replicas. Only the leader
// ticks orchestrators.
type Coordinator interface {
	// Start runs the election and blocks until ctx is canceled.
	Start(ctx context.Context) error
	// Stop releases leadership.
	Stop() error
	// OnLeadershipChange registers cb, called with true on election and false
	// on loss. Register before Start.
	OnLeadershipChange(cb func(isLeader bool))
}
