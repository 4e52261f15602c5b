package analysis

import (
	"fmt"
	"time"
)

// Policy holds the tunables of the orchestration engine.
type Policy struct {
	// IgnoreMinutes is how far behind now a queued window may fall before it
	// is discarded instead of analysed.
	IgnoreMinutes int
	// ExtendedIgnoreMinutes replaces IgnoreMinutes for demo subjects and for
	// SLI and composite SLO subjects.
	ExtendedIgnoreMinutes int
	// IgnoreLimit bounds how many queued machines a single tick may pop.
	IgnoreLimit int
	// QueueBacklogWarning is the queue length above which a tick logs a
	// backlog warning.
	QueueBacklogWarning int
	// Retention is added to the creation time to form an orchestrator's
	// retention deadline.
	Retention time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		IgnoreMinutes:         180,
		ExtendedIgnoreMinutes: 600,
		IgnoreLimit:           100,
		QueueBacklogWarning:   5,
		Retention:             30 * 24 * time.Hour,
	}
}

// Validate rejects policies the engine cannot run with.
func (p Policy) Validate() error {
	switch {
	case p.IgnoreMinutes <= 0:
		return fmt.Errorf("ignore minutes must be positive, got %d", p.IgnoreMinutes)
	case p.ExtendedIgnoreMinutes < p.IgnoreMinutes:
		return fmt.Errorf("extended ignore minutes (%d) must be >= ignore minutes (%d)",
			p.ExtendedIgnoreMinutes, p.IgnoreMinutes)
	case p.IgnoreLimit <= 0:
		return fmt.Errorf("ignore limit must be positive, got %d", p.IgnoreLimit)
	case p.Retention <= 0:
		return fmt.Errorf("retention must be positive, got %s", p.Retention)
	}
	return nil
}

// RetryPolicy controls how failed or timed-out machines are retried.
type RetryPolicy struct {
	// Delay is the minimum wait between a failure and its retry.
	Delay time.Duration
	// MaxRetries caps retries per machine. Zero means unlimited; once the cap
	// is reached the machine is IGNORED so the subject's queue can advance.
	MaxRetries int
}

// DefaultRetryPolicy retries every 30 minutes without limit.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delay: 30 * time.Minute}
}

func (p RetryPolicy) exhausted(retries int) bool {
	return p.MaxRetries > 0 && retries >= p.MaxRetries
}
