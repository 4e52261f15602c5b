package analysis

import (
	"context"
	"time"
)

// TaskKind is the category of verification a subject performs.
type TaskKind string

const (
	TaskKindLiveMonitoring TaskKind = "LIVE_MONITORING"
	TaskKindDeployment     TaskKind = "DEPLOYMENT"
	TaskKindSLI            TaskKind = "SLI"
	TaskKindCompositeSLO   TaskKind = "COMPOSITE_SLO"
)

// VerificationMethod is how a subject's data is analysed.
type VerificationMethod string

const (
	VerificationMethodTimeSeries VerificationMethod = "TIME_SERIES"
	VerificationMethodLog        VerificationMethod = "LOG"
)

// Subject is the verification-task metadata the engine needs to build and
// schedule state machines. It is owned by an external system.
type Subject struct {
	ID        string
	AccountID string
	Kind      TaskKind
	Method    VerificationMethod
	Demo      bool

	// DeploymentStartTime is set for deployment subjects. Windows that start
	// before it form the pre-deployment baseline.
	DeploymentStartTime time.Time
}

// IsPreBaselineWindow reports whether in is the baseline window taken before
// the deployment started.
func (s *Subject) IsPreBaselineWindow(in AnalysisInput) bool {
	return s.Kind == TaskKindDeployment &&
		!s.DeploymentStartTime.IsZero() &&
		in.StartTime.Before(s.DeploymentStartTime)
}

// SubjectProvider resolves subject metadata.
type SubjectProvider interface {
	// GetSubject returns the subject or ErrSubjectNotFound.
	GetSubject(ctx context.Context, subjectID string) (*Subject, error)
}
