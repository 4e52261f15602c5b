package analysis

import "fmt"

// AnalysisStatus is the lifecycle status shared by analysis states, state
// machines, and orchestrators. Not every value is meaningful at every level:
// orchestrators only use CREATED, RUNNING and COMPLETED.
type AnalysisStatus string

const (
	// StatusCreated indicates the work exists but has not started.
	StatusCreated AnalysisStatus = "CREATED"

	// StatusRunning indicates backend work is in flight.
	StatusRunning AnalysisStatus = "RUNNING"

	// StatusTransition indicates a state finished its own work and is
	// ready to hand off to a follow-up step.
	StatusTransition AnalysisStatus = "TRANSITION"

	// StatusTimeout indicates the backend did not finish in time.
	StatusTimeout AnalysisStatus = "TIMEOUT"

	// StatusFailed indicates the backend reported a failure.
	StatusFailed AnalysisStatus = "FAILED"

	// StatusRetry indicates a state asked to be retried in place.
	StatusRetry AnalysisStatus = "RETRY"

	// StatusSuccess indicates the work finished successfully.
	StatusSuccess AnalysisStatus = "SUCCESS"

	// StatusIgnored indicates the work was discarded as stale.
	StatusIgnored AnalysisStatus = "IGNORED"

	// StatusCompleted marks an orchestrator, or a machine, as done for good.
	StatusCompleted AnalysisStatus = "COMPLETED"
)

func (s AnalysisStatus) String() string { return string(s) }

// Int32 returns the int32 value for protobuf enum values.
func (s AnalysisStatus) Int32() int32 {
	switch s {
	case StatusCreated:
		return 1
	case StatusRunning:
		return 2
	case StatusTransition:
		return 3
	case StatusTimeout:
		return 4
	case StatusFailed:
		return 5
	case StatusRetry:
		return 6
	case StatusSuccess:
		return 7
	case StatusIgnored:
		return 8
	case StatusCompleted:
		return 9
	default:
		return 0
	}
}

// ProtoString returns the SCREAMING_SNAKE_CASE string representation used for
// protobuf enum string values.
func (s AnalysisStatus) ProtoString() string {
	if s.Int32() == 0 {
		return "ANALYSIS_STATUS_UNSPECIFIED"
	}
	return "ANALYSIS_STATUS_" + string(s)
}

// AnalysisStatusFromInt32 creates an AnalysisStatus from an int32 value.
func AnalysisStatusFromInt32(i int32) AnalysisStatus {
	switch i {
	case 1:
		return StatusCreated
	case 2:
		return StatusRunning
	case 3:
		return StatusTransition
	case 4:
		return StatusTimeout
	case 5:
		return StatusFailed
	case 6:
		return StatusRetry
	case 7:
		return StatusSuccess
	case 8:
		return StatusIgnored
	case 9:
		return StatusCompleted
	default:
		return "" // represents unspecified
	}
}

// ParseAnalysisStatus converts either the plain or the protobuf form of a
// status into an AnalysisStatus.
func ParseAnalysisStatus(s string) (AnalysisStatus, error) {
	const protoPrefix = "ANALYSIS_STATUS_"
	if len(s) > len(protoPrefix) && s[:len(protoPrefix)] == protoPrefix {
		s = s[len(protoPrefix):]
	}
	status := AnalysisStatus(s)
	if status.Int32() == 0 {
		return "", fmt.Errorf("%w: %q", ErrAnalysisStatusUnknown, s)
	}
	return status, nil
}

// IsFinalStateStatus reports whether a state ended in a retryable failure.
func (s AnalysisStatus) IsFinalStateStatus() bool {
	return s == StatusFailed || s == StatusTimeout
}

// IsFinished reports whether a machine with this status leaves room for the
// next queued machine of the same subject. COMPLETED is excluded: a machine
// in that status still blocks initiation until the orchestrator is closed.
func (s AnalysisStatus) IsFinished() bool {
	return s == StatusSuccess || s == StatusIgnored
}

// ValidateOrchestratorStatus rejects statuses an orchestrator may not hold.
func ValidateOrchestratorStatus(s AnalysisStatus) error {
	switch s {
	case StatusCreated, StatusRunning, StatusCompleted:
		return nil
	default:
		return fmt.Errorf("invalid orchestrator status %s", s)
	}
}
